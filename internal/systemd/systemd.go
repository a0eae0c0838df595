// Package systemd talks the sd_notify protocol.
package systemd

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

type Client struct {
	addr *net.UnixAddr

	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
	err      error
}

// NewClient reads NOTIFY_SOCKET. Without it every call is a no-op, so the
// service also runs outside systemd. Refresh sends at most once per
// interval.
func NewClient(interval time.Duration) *Client {
	c := &Client{interval: interval, now: time.Now}
	if path := os.Getenv("NOTIFY_SOCKET"); path != "" {
		c.addr = &net.UnixAddr{Name: path, Net: "unixgram"}
	}
	return c
}

// Enabled reports whether a notify socket is configured.
func (c *Client) Enabled() bool { return c.addr != nil }

func (c *Client) notify(state string) error {
	if c.addr == nil {
		return nil
	}
	conn, err := net.DialUnix(c.addr.Net, nil, c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to notify socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("failed to send %s: %w", state, err)
	}
	return nil
}

func (c *Client) Ready() error    { return c.notify("READY=1") }
func (c *Client) Stopping() error { return c.notify("STOPPING=1") }

// Refresh pets the systemd watchdog.
func (c *Client) Refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.last.IsZero() && now.Sub(c.last) < c.interval {
		return
	}
	c.last = now
	c.err = c.notify("WATCHDOG=1")
}

// Err returns the result of the last watchdog notification.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	return nil
}
