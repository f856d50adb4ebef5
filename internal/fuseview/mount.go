package fuseview

import (
	"fmt"
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// MountOptions configures the read-only FUSE mount.
type MountOptions struct {
	AllowOther   bool
	FSName       string
	AttrTimeout  time.Duration
	EntryTimeout time.Duration
}

// DefaultMountOptions matches the teacher's habit of shipping workable
// defaults for the options struct.
func DefaultMountOptions() MountOptions {
	return MountOptions{FSName: "backupstore-view", AttrTimeout: time.Second, EntryTimeout: time.Second}
}

// Mount manages the lifecycle of one mounted View.
type Mount struct {
	view    *View
	options MountOptions

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// NewMount builds a Mount for view, not yet mounted.
func NewMount(view *View, options MountOptions) *Mount {
	return &Mount{view: view, options: options}
}

// Mount mounts the view read-only at mountPoint and returns once the
// kernel has acknowledged it; serving continues in the background until
// Unmount is called.
func (m *Mount) Mount(mountPoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted {
		return fmt.Errorf("fuseview: already mounted at a mount point")
	}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:        m.options.FSName,
			FsName:      m.options.FSName,
			AllowOther:  m.options.AllowOther,
			Options:     []string{"ro"},
		},
		AttrTimeout:  &m.options.AttrTimeout,
		EntryTimeout: &m.options.EntryTimeout,
	}

	server, err := fs.Mount(mountPoint, m.view.Root(), opts)
	if err != nil {
		return fmt.Errorf("fuseview: mount %s: %w", mountPoint, err)
	}

	m.server = server
	m.mounted = true
	go func() {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
	}()
	return nil
}

// Unmount tears the mount down.
func (m *Mount) Unmount() error {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server == nil {
		return fmt.Errorf("fuseview: not mounted")
	}
	return server.Unmount()
}
