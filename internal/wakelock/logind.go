package wakelock

import (
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	LoginService   = "org.freedesktop.login1"
	LoginPath      = "/org/freedesktop/login1"
	LoginInhibit   = "org.freedesktop.login1.Manager.Inhibit"
	inhibitWhat    = "sleep:idle"
	inhibitBlocked = "block"
)

// Logind takes systemd-logind inhibitor locks over the system bus. The lock
// is the file descriptor logind hands back; closing it ends the inhibition.
// logind has no timeout of its own, so expiry relies on the Guard.
type Logind struct {
	conn *dbus.Conn
	who  string
	why  string
}

func NewLogind(who, why string) (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	return &Logind{conn: conn, who: who, why: why}, nil
}

func (l *Logind) Lock(time.Duration) (Lock, error) {
	obj := l.conn.Object(LoginService, LoginPath)

	var fd dbus.UnixFD
	if err := obj.Call(LoginInhibit, 0, inhibitWhat, l.who, l.why, inhibitBlocked).Store(&fd); err != nil {
		return nil, errors.Wrap(err, "logind inhibit call failed")
	}
	return &fdLock{f: os.NewFile(uintptr(fd), "logind-inhibit")}, nil
}

type fdLock struct {
	f    *os.File
	once sync.Once
	err  error
}

func (l *fdLock) Release() error {
	l.once.Do(func() { l.err = l.f.Close() })
	return l.err
}
