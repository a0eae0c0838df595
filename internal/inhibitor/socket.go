package inhibitor

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// Socket holds an inhibit as an open connection to the power manager's
// unix socket. The power manager acknowledges with a single zero byte and
// drops the inhibit when the connection closes.
type Socket struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

func NewSocket(path string) *Socket {
	return &Socket{path: path, timeout: 2 * time.Second}
}

func (s *Socket) Acquire(Inhibitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", s.path, s.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.path, err)
	}

	ack := make([]byte, 1)
	if err := conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	if _, err := conn.Read(ack); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read acknowledgment: %w", err)
	}
	if ack[0] != 0 {
		conn.Close()
		return fmt.Errorf("unexpected acknowledgment %#x", ack[0])
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to clear deadline: %w", err)
	}

	s.conn = conn
	return nil
}

func (s *Socket) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close inhibitor connection: %w", err)
	}
	return nil
}

func (s *Socket) Close() error { return s.Release() }
