package rcon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

var ErrAuthFailed = errors.New("rcon authentication failed")

// Client is a single authenticated RCON connection. It is safe for sequential use
// from multiple goroutines; commands are serialized.
type Client struct {
	sync.Mutex

	conn   net.Conn
	nextID int32
}

// Dial connects to addr and authenticates with password. The context bounds both steps.
func Dial(ctx context.Context, addr, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := &Client{conn: conn}
	if err := c.login(ctx, password); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) login(ctx context.Context, password string) error {
	c.Lock()
	defer c.Unlock()
	c.applyDeadline(ctx)

	id := c.allocID()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeAuth, Body: password}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}
	for {
		p, err := ReadPacket(c.conn)
		if err != nil {
			return fmt.Errorf("failed to read auth response: %w", err)
		}
		// Some servers send an empty response value before the auth response.
		if p.Type != TypeAuthResponse {
			continue
		}
		if p.ID == -1 {
			return ErrAuthFailed
		}
		if p.ID != id {
			return fmt.Errorf("unexpected auth response id %d", p.ID)
		}
		return nil
	}
}

// Command runs cmd on the server and returns its reply.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	if len(cmd) > MaxCommandLen {
		return "", fmt.Errorf("%w: %d bytes", ErrBodyTooLong, len(cmd))
	}
	c.Lock()
	defer c.Unlock()
	c.applyDeadline(ctx)

	id := c.allocID()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeExecCommand, Body: cmd}); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	for {
		p, err := ReadPacket(c.conn)
		if err != nil {
			return "", fmt.Errorf("failed to read command response: %w", err)
		}
		if p.Type != TypeResponseValue || p.ID != id {
			continue
		}
		return p.Body, nil
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) allocID() int32 {
	c.nextID++
	if c.nextID <= 0 {
		c.nextID = 1
	}
	return c.nextID
}

func (c *Client) applyDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	_ = c.conn.SetDeadline(deadline)
}

// Dialer opens scoped RCON sessions against one server.
type Dialer struct {
	Host     string
	Port     int
	Password string
}

func (d Dialer) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Dialer) Dial(ctx context.Context) (*Client, error) {
	return Dial(ctx, d.Address(), d.Password)
}
