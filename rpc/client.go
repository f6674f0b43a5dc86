package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
)

// Client issues one call at a time over a single connection. Any transport
// failure drops the connection, abandoning the in-flight request without
// notifying the server; the next call dials again.
type Client struct {
	addr   string
	dialer Dialer
	log    logging.Logger

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	dec    *json.Decoder
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithDialer(d Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

func WithLogger(l logging.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient prepares a client for addr. No connection is made until
// Connect or the first Call.
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NetDialer()
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	c.log = c.log.With(logging.Field{Key: "addr", Value: addr})
	return c
}

// Addr returns the server address.
func (c *Client) Addr() string { return c.addr }

// Connect dials eagerly so configuration errors surface early.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConn(ctx)
}

// ensureConn must be called with c.mu held.
func (c *Client) ensureConn(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("%w: client closed", sdr.ErrTransport)
	}
	if c.conn != nil {
		return nil
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", sdr.ErrTransport, c.addr, err)
	}
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.dec = json.NewDecoder(conn)
	c.log.Debug("connected")
	return nil
}

// drop must be called with c.mu held.
func (c *Client) drop(reason error) {
	if c.conn == nil {
		return
	}
	c.log.Debug("dropping connection", logging.Err(reason))
	c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
}

// Call sends method with params and decodes the result into result, which
// may be nil. Server-side failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return err
	}

	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%w: encode %s params: %v", sdr.ErrMalformedPayload, method, err)
		}
		req.Params = raw
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.drop(err)
		return c.transportErr(ctx, method, err)
	}
	conn := c.conn
	stop := context.AfterFunc(ctx, func() {
		// unblock the pending read or write
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := c.enc.Encode(&req); err != nil {
		c.drop(err)
		return c.transportErr(ctx, method, err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		c.drop(err)
		return c.transportErr(ctx, method, err)
	}
	if resp.ID == "" && resp.Error != nil {
		// refused before the request was read, e.g. no session lease
		c.drop(resp.Error)
		return fmt.Errorf("%w: %s on %s: refused by server: %w", sdr.ErrTransport, method, c.addr, resp.Error)
	}
	if resp.ID != req.ID {
		err := fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
		c.drop(err)
		return c.transportErr(ctx, method, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", sdr.ErrMalformedPayload, method, err)
	}
	return nil
}

func (c *Client) transportErr(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		err = context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %s on %s: %w", sdr.ErrTransport, method, c.addr, err)
}

// Close drops the connection. Further calls fail with a transport error.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.enc, c.dec = nil, nil, nil
	return err
}
