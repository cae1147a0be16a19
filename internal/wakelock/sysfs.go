package wakelock

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	WakeLockPath   = "/sys/power/wake_lock"
	WakeUnlockPath = "/sys/power/wake_unlock"
)

// Sysfs uses the kernel's userspace wakelock interface under a single name.
// Writing the name again with a new timeout extends the kernel's own expiry,
// so a renewal never creates a second wakeup source. The timeout still holds
// if this process dies.
type Sysfs struct {
	name       string
	lockPath   string
	unlockPath string

	mu      sync.Mutex
	seq     uint64
	current uint64
}

func NewSysfs(name string) *Sysfs {
	return &Sysfs{name: name, lockPath: WakeLockPath, unlockPath: WakeUnlockPath}
}

func (s *Sysfs) Lock(timeout time.Duration) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeToFile(s.lockPath, fmt.Sprintf("%s %d", s.name, timeout.Nanoseconds())); err != nil {
		return nil, errors.Wrap(err, "failed to write wake_lock")
	}
	s.seq++
	s.current = s.seq
	return &sysfsLock{owner: s, seq: s.seq}, nil
}

// unlock writes wake_unlock only for the most recent lock. Releasing a lock
// that a renewal superseded leaves the kernel lock in place.
func (s *Sysfs) unlock(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.current {
		return nil
	}
	if err := writeToFile(s.unlockPath, s.name); err != nil {
		return errors.Wrap(err, "failed to write wake_unlock")
	}
	s.current = 0
	return nil
}

type sysfsLock struct {
	owner *Sysfs
	seq   uint64
	once  sync.Once
	err   error
}

func (l *sysfsLock) Release() error {
	l.once.Do(func() {
		l.err = l.owner.unlock(l.seq)
	})
	return l.err
}

func writeToFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	if _, err := f.WriteString(data); err != nil {
		return errors.Wrapf(err, "failed to write to %s", path)
	}
	return nil
}
