//go:build windows

package clientsync

import (
	"os"
	"time"
)

// statInfo carries the platform identity fields the content digest
// mixes in. Windows has no stable inode/uid/gid in the Unix sense;
// rename detection on this platform degrades to name-based matching
// only (see DESIGN.md).
type statInfo struct {
	uid, gid uint32
	inode    uint64
	ctime    time.Time
}

func sysStat(info os.FileInfo) statInfo {
	return statInfo{ctime: info.ModTime()}
}
