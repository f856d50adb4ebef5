// Package clouddisc implements the optional fourth mirror target for a
// disc set (SPEC_FULL.md §2.4): every committed ".rf" object is copied
// to an S3 bucket for off-site redundancy, using CargoShip's optimized
// transporter in front of the AWS SDK client. Mirroring is best-effort
// and asynchronous — a local commit is never delayed or failed by it;
// a failed upload is retried a bounded number of times and then
// logged and dropped.
package clouddisc

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	awssdkconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	cargoshipconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/logging"
	"github.com/coldvault/backupstore/pkg/retry"
)

// Config configures the cloud mirror. Bucket, Prefix and Region match
// internal/config's CloudMirrorConfig; QueueDepth has no counterpart
// there.
type Config struct {
	Bucket string
	Prefix string
	Region string

	// QueueDepth bounds the number of pending uploads buffered in
	// memory before MirrorAsync starts dropping work, so a sustained
	// network outage cannot grow unbounded backlog. Zero uses a
	// sensible default.
	QueueDepth int
}

// uploadFunc performs one upload attempt. New wraps a CargoShip
// transporter in a closure satisfying this type so the rest of the
// package, and its tests, never need to name CargoShip's result type.
type uploadFunc func(ctx context.Context, archive cargoships3.Archive) error

// Mirror is the asynchronous cloud-mirror worker. It satisfies
// raid.Mirror.
type Mirror struct {
	cfg      Config
	upload   uploadFunc
	retryer  *retry.Retryer
	log      *logging.Logger
	queue    chan mirrorJob
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

type mirrorJob struct {
	name string
	data []byte
}

// New builds a Mirror bound to cfg, loading AWS credentials the
// standard SDK way (environment, shared config, instance profile) and
// wrapping the resulting S3 client with a CargoShip transporter tuned
// for whole-object uploads of committed RAID stripes.
func New(ctx context.Context, cfg Config, log *logging.Logger) (*Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("clouddisc: bucket is required")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	awsCfg, err := awssdkconfig.LoadDefaultConfig(ctx, awssdkconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("clouddisc: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	transporter := cargoships3.NewTransporter(client, cargoshipconfig.S3Config{
		Bucket:             cfg.Bucket,
		StorageClass:       cargoshipconfig.StorageClassIntelligentTiering,
		MultipartThreshold: 32 * 1024 * 1024,
		MultipartChunkSize: 16 * 1024 * 1024,
		Concurrency:        4,
	})

	m := newMirror(cfg, func(ctx context.Context, archive cargoships3.Archive) error {
		_, err := transporter.Upload(ctx, archive)
		return err
	}, log)
	return m, nil
}

func newMirror(cfg Config, upload uploadFunc, log *logging.Logger) *Mirror {
	m := &Mirror{
		cfg:     cfg,
		upload:  upload,
		retryer: retry.New(retry.DefaultConfig()),
		log:     log.WithComponent("clouddisc"),
		queue:   make(chan mirrorJob, cfg.QueueDepth),
		stopCh:  make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// MirrorAsync enqueues name/data for upload and returns immediately. If
// the queue is full the job is dropped and logged rather than blocking
// the caller — a slow or unreachable mirror must never slow down local
// writes.
func (m *Mirror) MirrorAsync(name string, data []byte) {
	select {
	case <-m.stopCh:
		m.log.Warn("mirror closed, dropping upload", map[string]interface{}{"name": name})
		return
	default:
	}
	job :=mirrorJob{name: name, data: append([]byte(nil), data...)}
	select {
	case m.queue <- job:
	default:
		m.log.Warn("mirror queue full, dropping upload", map[string]interface{}{"name": name})
	}
}

// Close stops accepting new work and waits for the queue to drain or
// ctx to expire, whichever comes first.
func (m *Mirror) Close(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.queue:
			m.uploadOne(job)
		case <-m.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case job := <-m.queue:
					m.uploadOne(job)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) uploadOne(job mirrorJob) {
	key := m.cfg.Prefix + job.name
	err := m.retryer.Do(func() error {
		uploadErr := m.upload(context.Background(), cargoships3.Archive{
			Key:          key,
			Reader:       bytes.NewReader(job.data),
			Size:         int64(len(job.data)),
			StorageClass: cargoshipconfig.StorageClassIntelligentTiering,
			Metadata: map[string]string{
				"backupstore-mirror": "true",
			},
		})
		if uploadErr != nil {
			return storeerrors.Wrap(storeerrors.ErrStorageIO, uploadErr, "clouddisc: upload failed")
		}
		return nil
	})
	if err != nil {
		m.log.Error("mirror upload failed, giving up", map[string]interface{}{
			"name":  job.name,
			"key":   key,
			"error": err.Error(),
		})
		return
	}
	m.log.Debug("mirror upload committed", map[string]interface{}{"name": job.name, "key": key})
}
