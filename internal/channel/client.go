package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNotImplemented is returned by [Client.Call] when the bridge does not
// know the method.
var ErrNotImplemented = errors.New("method not implemented")

// Client is a host-side connection to a [SocketServer]. It is not safe for
// concurrent use.
type Client struct {
	conn   *socketConn
	nextID uint64

	// pending holds notifications read while waiting for a reply.
	pending []Envelope
}

// Dial connects to the bridge socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: newSocketConn(conn)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one call and waits for its reply. Notifications that arrive
// first are kept for [Client.Notification]. A reply error is returned as a
// *[WireError].
func (c *Client) Call(ctx context.Context, method string, args any) (any, error) {
	c.nextID++
	id := c.nextID
	if err := c.conn.Send(Envelope{ID: id, Method: method, Arguments: args}); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	for {
		env, err := c.receive(ctx)
		if err != nil {
			return nil, fmt.Errorf("await %s reply: %w", method, err)
		}
		switch {
		case env.IsNotification():
			c.pending = append(c.pending, env)
		case env.ID != id:
			return nil, fmt.Errorf("reply id %d does not match call %d", env.ID, id)
		case env.NotImplemented:
			return nil, fmt.Errorf("%s: %w", method, ErrNotImplemented)
		case env.Error != nil:
			return nil, env.Error
		default:
			return env.Result, nil
		}
	}
}

// Notification returns the next notification, waiting until one arrives or
// ctx is done.
func (c *Client) Notification(ctx context.Context) (Envelope, error) {
	if len(c.pending) > 0 {
		env := c.pending[0]
		c.pending = c.pending[1:]
		return env, nil
	}
	for {
		env, err := c.receive(ctx)
		if err != nil {
			return Envelope{}, err
		}
		if env.IsNotification() {
			return env, nil
		}
	}
}

func (c *Client) receive(ctx context.Context) (Envelope, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.conn.SetReadDeadline(deadline); err != nil {
		return Envelope{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	env, err := c.conn.Recv()
	if err != nil && ctx.Err() != nil {
		return Envelope{}, ctx.Err()
	}
	return env, err
}
