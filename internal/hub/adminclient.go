package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var ErrAdminFailed = errors.New("hub: admin request failed")

// AdminClient issues one request per connection to a hub admin endpoint.
type AdminClient struct {
	addr    string
	timeout time.Duration
}

func NewAdminClient(addr string, timeout time.Duration) *AdminClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AdminClient{addr: strings.TrimSpace(addr), timeout: timeout}
}

// Do sends req and decodes the response data into out when out is non-nil.
// A response with ok=false returns ErrAdminFailed; its data, if any, is
// still decoded into out.
func (c *AdminClient) Do(ctx context.Context, req AdminRequest, out any) error {
	if c.addr == "" {
		return fmt.Errorf("hub: admin addr required")
	}
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(line); err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	var resp AdminResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return err
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return err
		}
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s: %s", ErrAdminFailed, req.Action, strings.TrimSpace(resp.Error))
	}
	return nil
}
