package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// Client talks to a running daemon's control server.
type Client struct {
	addr string
	http *http.Client
}

// NewClient creates a client for the control server at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		addr: addr,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Addr returns the server address the client targets.
func (c *Client) Addr() string {
	return c.addr
}

// Stop asks the daemon to shut down.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	var ok bool
	if err := c.call(ctx, MethodStop, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Status returns the daemon's status text.
func (c *Client) Status(ctx context.Context) (string, error) {
	var text string
	if err := c.call(ctx, MethodStatus, &text); err != nil {
		return "", err
	}
	return text, nil
}

// CfgChanged tells the daemon the task list changed.
func (c *Client) CfgChanged(ctx context.Context) (bool, error) {
	var ok bool
	if err := c.call(ctx, MethodCfgChanged, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) call(ctx context.Context, method Method, result any) error {
	body, err := json.Marshal(Request{Method: method})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.addr+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var r Response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if r.Error != "" {
		return fmt.Errorf("%s failed: %s", method, r.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: HTTP %d", method, resp.StatusCode)
	}
	if err := json.Unmarshal(r.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Follow streams status updates to fn until ctx is cancelled or the
// daemon closes the feed. A daemon shutdown is not an error.
func (c *Client) Follow(ctx context.Context, fn func(StatusMessage)) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+c.addr+"/ws", nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return nil
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("status feed failed: %w", err)
		}

		var msg StatusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to decode status message: %w", err)
		}
		if msg.Type == MessageTypeStatus {
			fn(msg)
		}
	}
}

// IsUnreachable reports whether err means no daemon answered.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}
