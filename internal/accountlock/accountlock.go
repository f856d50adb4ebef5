// Package accountlock implements the per-account write lock (component
// H): an exclusive file lock any mutating session must hold before
// touching an account's directories, acquired with a bounded number of
// one-second-interval retries, plus the line-oriented IPC channel a
// running housekeeping scan uses to yield the lock cooperatively to a
// waiting writer instead of making it fail outright.
package accountlock

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/time/rate"

	storeerrors "github.com/coldvault/backupstore/pkg/errors"
	"github.com/coldvault/backupstore/pkg/retry"
)

const lockFileName = ".backupstore.lock"

// Lock guards one account's root directory against concurrent mutation
// from more than one session (or a session and housekeeping) at once.
type Lock struct {
	fl   *flock.Flock
	path string
}

// New returns a Lock bound to accountRoot, not yet acquired.
func New(accountRoot string) *Lock {
	path := filepath.Join(accountRoot, lockFileName)
	return &Lock{fl: flock.New(path), path: path}
}

// Acquire takes the exclusive lock, retrying on a bounded, constant
// one-second interval (spec §4.I) up to maxAttempts times before giving
// up with ErrCannotLockStoreForWriting, which the protocol layer maps
// onto a wire Error reply rather than tearing the session down.
func (l *Lock) Acquire(ctx context.Context, maxAttempts int) error {
	r := retry.New(retry.LockRetryConfig(maxAttempts))
	return r.DoWithContext(ctx, func(ctx context.Context) error {
		ok, err := l.fl.TryLockContext(ctx, 10*time.Millisecond)
		if err != nil {
			return storeerrors.Wrap(storeerrors.ErrInternal, err, "accountlock: lock syscall failed")
		}
		if !ok {
			return storeerrors.New(storeerrors.ErrCannotLockStoreForWriting, fmt.Sprintf("accountlock: %s held by another session", l.path))
		}
		return nil
	})
}

// Release gives up the lock. Safe to call even if Acquire never
// succeeded.
func (l *Lock) Release() error {
	if !l.fl.Locked() {
		return nil
	}
	return l.fl.Unlock()
}

// Holder is the housekeeping side of the cooperative yield protocol: it
// holds the lock across a long scan but polls for a waiting writer and
// releases early rather than blocking it for the whole scan.
type Holder struct {
	lock     *Lock
	limiter  *rate.Limiter
	yieldReq chan string // account ids requesting release, from IPC
}

// NewHolder wraps an already-acquired Lock with the poll-and-yield
// machinery housekeeping uses while scanning.
func NewHolder(lock *Lock, pollInterval time.Duration) *Holder {
	return &Holder{
		lock:     lock,
		limiter:  rate.NewLimiter(rate.Every(pollInterval), 1),
		yieldReq: make(chan string, 1),
	}
}

// ShouldYield reports whether a release request has arrived since the
// last call, throttled to at most one check per poll interval so a busy
// scan loop doesn't hammer the IPC socket.
func (h *Holder) ShouldYield(ctx context.Context) bool {
	if !h.limiter.Allow() {
		return false
	}
	select {
	case <-h.yieldReq:
		return true
	default:
		return false
	}
}

// RequestYield is called by the IPC listener when it parses a
// "release account N" command addressed to this holder's account.
func (h *Holder) RequestYield() {
	select {
	case h.yieldReq <- "release":
	default:
	}
}

// IPCCommand is one parsed line from the housekeeping control channel:
// "h" (hangup), "t" (terminate), or
// "r<hex-account-id>" (release account <hex-account-id>'s lock soon).
type IPCCommand struct {
	Kind      byte // 'h', 't', or 'r'
	AccountID uint64
}

// ParseIPCCommand parses one line of the IPC protocol.
func ParseIPCCommand(line string) (IPCCommand, error) {
	if len(line) == 0 {
		return IPCCommand{}, storeerrors.New(storeerrors.ErrInternal, "accountlock: empty ipc command")
	}
	switch line[0] {
	case 'h', 't':
		return IPCCommand{Kind: line[0]}, nil
	case 'r':
		var id uint64
		if _, err := fmt.Sscanf(line[1:], "%x", &id); err != nil {
			return IPCCommand{}, storeerrors.Wrap(storeerrors.ErrInternal, err, "accountlock: bad release command")
		}
		return IPCCommand{Kind: 'r', AccountID: id}, nil
	default:
		return IPCCommand{}, storeerrors.New(storeerrors.ErrInternal, fmt.Sprintf("accountlock: unknown ipc command %q", line))
	}
}

// IPCServer listens on a unix domain socket and dispatches parsed
// commands to holders registered by account ID, so a write-lock
// acquisition loop (Acquire, above) never has to block indefinitely on
// a housekeeping scan that would otherwise hold the lock for minutes.
type IPCServer struct {
	listener net.Listener
	holders  map[uint64]*Holder
	dispatch func(IPCCommand)
}

// ListenIPC opens the control socket at socketPath.
func ListenIPC(socketPath string, dispatch func(IPCCommand)) (*IPCServer, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("accountlock: listen %s: %w", socketPath, err)
	}
	return &IPCServer{listener: ln, holders: make(map[uint64]*Holder), dispatch: dispatch}, nil
}

// Register associates an account ID with the Holder housekeeping should
// notify when a "release account N" command arrives for it.
func (s *IPCServer) Register(accountID uint64, h *Holder) {
	s.holders[accountID] = h
}

// Serve accepts connections until the listener is closed, parsing one
// command per line per connection.
func (s *IPCServer) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *IPCServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd, err := ParseIPCCommand(scanner.Text())
		if err != nil {
			continue
		}
		if cmd.Kind == 'r' {
			if h, ok := s.holders[cmd.AccountID]; ok {
				h.RequestYield()
			}
		}
		if s.dispatch != nil {
			s.dispatch(cmd)
		}
	}
}

// Close shuts the IPC listener down.
func (s *IPCServer) Close() error {
	return s.listener.Close()
}
