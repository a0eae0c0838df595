package inhibitor

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest    = "org.freedesktop.login1"
	logindPath    = "/org/freedesktop/login1"
	logindInhibit = "org.freedesktop.login1.Manager.Inhibit"
)

// Logind holds a systemd-logind sleep inhibitor lock. The lock is a file
// descriptor; closing it releases the inhibit.
type Logind struct {
	conn *dbus.Conn

	mu sync.Mutex
	fd int
}

// NewLogind connects to the system bus.
func NewLogind() (*Logind, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Logind{conn: conn, fd: -1}, nil
}

func (l *Logind) Acquire(inh Inhibitor) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd >= 0 {
		return nil
	}

	obj := l.conn.Object(logindDest, dbus.ObjectPath(logindPath))
	var fd dbus.UnixFD
	err := obj.Call(logindInhibit, 0, "sleep", inh.Who, inh.Why, string(inh.Type)).Store(&fd)
	if err != nil {
		return fmt.Errorf("failed to take logind inhibitor: %w", err)
	}
	l.fd = int(fd)
	return nil
}

func (l *Logind) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fd < 0 {
		return nil
	}
	err := syscall.Close(l.fd)
	l.fd = -1
	if err != nil {
		return fmt.Errorf("failed to close logind inhibitor: %w", err)
	}
	return nil
}

func (l *Logind) Close() error {
	if err := l.Release(); err != nil {
		return err
	}
	return l.conn.Close()
}
