// Package upload implements a TCP client for the recorder's media-upload
// protocol: a line-oriented ASCII handshake followed by binary payloads,
// with reconnect-and-resume on a single write failure.
package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// ErrStreamFailed is returned once a write has failed twice in a row
// (the original attempt and its single retry); this is terminal and
// the Consumer Engine must stop.
var ErrStreamFailed = errors.New("upload: stream failed after reconnect retry")

// Client speaks the recorder's upload protocol over a single TCP
// connection. It is not safe for concurrent use by more than one
// goroutine — the Consumer Engine drives it from its single Streaming
// loop, matching the ring buffer's single-reader contract.
type Client struct {
	addr    string
	dialer  net.Dialer
	limiter *rate.Limiter // throttles fresh OPENs from cold, shared across recordings

	mu         sync.Mutex
	conn       net.Conn
	rw         *bufio.ReadWriter
	filename   string
	uploadID   int64
	autoOffset int64
}

// NewClient constructs a Client targeting addr (host:port of the
// recorder's upload service, default port 7818). limiter, if non-nil,
// is shared across every Client an owner constructs so a recorder-side
// outage paces reconnect attempts across all of that owner's recordings
// rather than each one hammering the socket independently. A nil
// limiter disables throttling.
func NewClient(addr string, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Client{
		addr:    addr,
		limiter: limiter,
	}
}

// Open performs the OPEN handshake (wire verb SIZE): it records
// startOffset as the current auto-increment write offset, enabling
// resumption after a later reconnect, then waits for the shared limiter,
// dials the server, sends the filename/uploadID, and expects OK.
func (c *Client) Open(ctx context.Context, filename string, uploadID int64, startOffset int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filename = filename
	c.uploadID = uploadID
	c.autoOffset = startOffset
	return c.dialAndHandshakeLocked(ctx, true)
}

// dialAndHandshakeLocked waits for the limiter only when throttle is
// set; the single reconnect after a failed write passes false.
func (c *Client) dialAndHandshakeLocked(ctx context.Context, throttle bool) error {
	if throttle {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("upload: waiting for reconnect slot: %w", err)
		}
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("upload: dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	cmd := fmt.Sprintf("SIZE %s %d\r\n", c.filename, c.uploadID)
	if err := c.sendLineLocked(cmd); err != nil {
		return err
	}
	return c.expectOKLocked()
}

// WriteAuto pushes payload at the client's current auto-incrementing
// offset, advancing it by len(payload). Used for ordinary forward
// progress.
func (c *Client) WriteAuto(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	offset := c.autoOffset
	if err := c.writeAtWithRetryLocked(ctx, payload, offset); err != nil {
		return err
	}
	c.autoOffset += int64(len(payload))
	return nil
}

// WriteAtBuffered pushes payload into a circular window of size cap:
// when the auto-offset would exceed cap, it wraps to 0 before the
// write. cap must be positive.
func (c *Client) WriteAtBuffered(ctx context.Context, payload []byte, cap int64) error {
	if cap <= 0 {
		return fmt.Errorf("upload: WriteAtBuffered requires cap > 0, got %d", cap)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoOffset+int64(len(payload)) > cap {
		c.autoOffset = 0
	}
	offset := c.autoOffset
	if err := c.writeAtWithRetryLocked(ctx, payload, offset); err != nil {
		return err
	}
	c.autoOffset += int64(len(payload))
	if c.autoOffset >= cap {
		c.autoOffset = 0
	}
	return nil
}

// CurrentOffset returns the client's internal auto-offset, used to
// recover the value needed for a future OPEN-with-offset.
func (c *Client) CurrentOffset() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoOffset
}

// writeAtWithRetryLocked sends one WRITEC command. On I/O failure it
// closes the socket, reopens with the current auto-offset, and retries
// exactly once; a second consecutive failure is terminal.
func (c *Client) writeAtWithRetryLocked(ctx context.Context, payload []byte, offset int64) error {
	if err := c.writeAtOnceLocked(payload, offset); err == nil {
		return nil
	} else {
		log.Printf("upload: write failed (%v); reconnecting to %s and retrying once", err, c.addr)
	}

	if err := c.dialAndHandshakeLocked(ctx, false); err != nil {
		return fmt.Errorf("%w: reconnect failed: %v", ErrStreamFailed, err)
	}
	if err := c.writeAtOnceLocked(payload, offset); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}
	return nil
}

func (c *Client) writeAtOnceLocked(payload []byte, offset int64) error {
	if c.conn == nil {
		return errors.New("upload: not connected")
	}
	header := fmt.Sprintf("WRITEC %d %d\r\n", len(payload), offset)
	if err := c.sendLineLocked(header); err != nil {
		return err
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("upload: write payload: %w", err)
	}
	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("upload: flush: %w", err)
	}
	return nil
}

// Close sends the END command (wire verb CLOSE) and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.sendLineLocked("CLOSE\r\n")
	if err == nil {
		err = c.expectOKLocked()
	}
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

func (c *Client) sendLineLocked(line string) error {
	if _, err := c.rw.WriteString(line); err != nil {
		return fmt.Errorf("upload: send %q: %w", strings.TrimSpace(line), err)
	}
	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("upload: flush %q: %w", strings.TrimSpace(line), err)
	}
	return nil
}

func (c *Client) expectOKLocked() error {
	line, err := c.rw.ReadString('\n')
	if err != nil {
		return fmt.Errorf("upload: read reply: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line != "OK" {
		return fmt.Errorf("upload: server replied %q", line)
	}
	return nil
}
