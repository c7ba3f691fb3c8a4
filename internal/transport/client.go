package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"pgbak/internal/copy"
	pgbakerrors "pgbak/internal/errors"
)

// Client drives one remote worker subprocess over a newline-delimited
// JSON connection. One command is in flight at a time, matching the
// protocol's "one command per line" contract.
type Client struct {
	mu      sync.Mutex
	w       io.Writer
	r       *bufio.Reader
	timeout time.Duration
}

// NewClient wraps rw (typically a subprocess's combined stdin/stdout)
// as a remote File Copy Worker dispatcher. timeout is the
// protocol-timeout of spec.md §4.5/§5; zero disables it.
func NewClient(w io.Writer, r io.Reader, timeout time.Duration) *Client {
	return &Client{w: w, r: bufio.NewReader(r), timeout: timeout}
}

func (c *Client) BackupFile(ctx context.Context, req copy.Request) (copy.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return copy.Result{}, err
	}

	type roundTrip struct {
		res copy.Result
		err error
	}
	done := make(chan roundTrip, 1)

	go func() {
		res, err := c.call(req)
		done <- roundTrip{res, err}
	}()

	if c.timeout <= 0 {
		rt := <-done
		return rt.res, rt.err
	}

	select {
	case rt := <-done:
		return rt.res, rt.err
	case <-time.After(c.timeout):
		return copy.Result{}, &pgbakerrors.ProtocolTimeoutError{Command: cmdBackupFile, Timeout: c.timeout.String()}
	case <-ctx.Done():
		return copy.Result{}, ctx.Err()
	}
}

func (c *Client) call(req copy.Request) (copy.Result, error) {
	wireReq := encodeRequest(req)
	if err := writeLine(c.w, wireReq); err != nil {
		return copy.Result{}, fmt.Errorf("writing request: %w", err)
	}

	resp, err := readLine[wireResponse](c.r)
	if err != nil {
		return copy.Result{}, fmt.Errorf("reading response: %w", err)
	}

	if resp.Err != nil {
		return copy.Result{}, errorFromCode(*resp.Err, resp.Msg)
	}
	return decodeSuccess(WireSuccess{Out: resp.Out})
}
