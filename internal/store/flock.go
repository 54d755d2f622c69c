package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked 数据目录已被另一个交易进程持有
var ErrLocked = errors.New("store: data dir locked by another process")

// dirLock 数据目录排他锁。
// 同一数据目录同时只允许一个交易进程，防止两份账本写同一个库。
type dirLock struct {
	f *os.File
}

// acquireLock 对 <dir>/LOCK 上非阻塞 flock 排他锁。
// 锁随进程退出自动释放，宕机不会留下死锁。
func acquireLock(dir string) (*dirLock, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "store: open lock file")
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, errors.Wrapf(ErrLocked, "%s", path)
		}
		return nil, errors.Wrap(err, "store: flock")
	}
	// 写入 pid 方便人工排查，写失败不影响锁
	f.Truncate(0)
	f.Seek(0, 0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
