package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mrzor/activity-monitor/internal/event"
)

// Client is a consumer connection to a Server.
type Client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// Dial connects to the server socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close disconnects from the server.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Drain removes up to max queued records (all of them when max is 0).
func (c *Client) Drain(ctx context.Context, max int) ([]event.Record, error) {
	resp, err := c.do(ctx, Request{Op: OpDrain, Max: max})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Pop removes the oldest queued record.
func (c *Client) Pop(ctx context.Context) (event.Record, bool, error) {
	resp, err := c.do(ctx, Request{Op: OpPop})
	if err != nil {
		return event.Record{}, false, err
	}
	if len(resp.Records) == 0 {
		return event.Record{}, false, nil
	}
	return resp.Records[0], true, nil
}

// Wait blocks server-side until records are available or timeout elapses,
// then drains up to max records.
func (c *Client) Wait(ctx context.Context, timeout time.Duration, max int) ([]event.Record, error) {
	resp, err := c.do(ctx, Request{Op: OpWait, Max: max, TimeoutMS: int(timeout / time.Millisecond)})
	if err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Status fetches monitor counters.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.do(ctx, Request{Op: OpStatus})
	if err != nil {
		return Status{}, err
	}
	if resp.Status == nil {
		return Status{}, errors.New("status response missing body")
	}
	return *resp.Status, nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting deadline: %w", err)
	}
	// Cancellation expires the deadline to unblock a pending read.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now()) //nolint:errcheck // Read fails either way
	})
	defer stop()

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", req.Op, err)
	}

	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reading %s response: %w", req.Op, ctx.Err())
		}
		return nil, fmt.Errorf("reading %s response: %w", req.Op, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s request: %s", req.Op, resp.Error)
	}
	return &resp, nil
}
