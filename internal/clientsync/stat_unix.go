//go:build !windows

package clientsync

import (
	"os"
	"syscall"
	"time"
)

// statInfo carries the platform identity fields the content digest
// mixes in (spec §4.L step 1: "mode/uid/gid/inode").
type statInfo struct {
	uid, gid uint32
	inode    uint64
	ctime    time.Time
}

func sysStat(info os.FileInfo) statInfo {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return statInfo{}
	}
	return statInfo{
		uid:   st.Uid,
		gid:   st.Gid,
		inode: st.Ino,
		ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}
