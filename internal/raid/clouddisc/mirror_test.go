package clouddisc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"

	"github.com/coldvault/backupstore/pkg/logging"
)

func TestMirrorAsyncUploadsCommittedData(t *testing.T) {
	var mu sync.Mutex
	var uploadedKeys []string

	m := newMirror(Config{Bucket: "test-bucket", Prefix: "prefix/"}, func(ctx context.Context, archive cargoships3.Archive) error {
		mu.Lock()
		defer mu.Unlock()
		uploadedKeys = append(uploadedKeys, archive.Key)
		return nil
	}, logging.NewDefault())
	defer m.Close(context.Background())

	m.MirrorAsync("account-1/block-7.rf", []byte("stripe data"))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(uploadedKeys)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(uploadedKeys) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(uploadedKeys))
	}
	if uploadedKeys[0] != "prefix/account-1/block-7.rf" {
		t.Errorf("expected key prefix/account-1/block-7.rf, got %s", uploadedKeys[0])
	}
}

func TestMirrorAsyncDropsWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	m := newMirror(Config{Bucket: "test-bucket", QueueDepth: 1}, func(ctx context.Context, archive cargoships3.Archive) error {
		<-block
		return nil
	}, logging.NewDefault())
	defer func() {
		close(block)
		m.Close(context.Background())
	}()

	// First job occupies the worker goroutine; queue depth of 1 means
	// one more can sit buffered, and the rest must be dropped rather
	// than block the caller.
	for i := 0; i < 5; i++ {
		done := make(chan struct{})
		go func() {
			m.MirrorAsync("x", []byte("y"))
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatalf("MirrorAsync blocked instead of dropping")
		}
	}
}

func TestMirrorRetriesFailedUploads(t *testing.T) {
	var attempts int
	var mu sync.Mutex

	m := newMirror(Config{Bucket: "test-bucket"}, func(ctx context.Context, archive cargoships3.Archive) error {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 2 {
			return errors.New("transient upload failure")
		}
		return nil
	}, logging.NewDefault())
	defer m.Close(context.Background())

	m.MirrorAsync("retry-me", []byte("data"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := attempts
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected upload to be retried at least once, got %d attempts", attempts)
	}
}
