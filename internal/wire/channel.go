package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// ErrPeerGone is returned when the peer closes the connection or a
// Recv's context is cancelled while waiting.
var ErrPeerGone = errors.New("wire: peer gone")

// Channel frames HarnessMessage/FuzzerMessage values as JSON over a
// net.Conn. Send is safe to call concurrently with Recv, but concurrent
// Sends (or concurrent Recvs) from multiple goroutines are not
// serialized by Channel itself.
type Channel struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

// NewChannel wraps conn in a Channel.
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}
}

// SendHarness writes a HarnessMessage.
func (c *Channel) SendHarness(msg HarnessMessage) error {
	if err := c.enc.Encode(&msg); err != nil {
		return fmt.Errorf("wire: send harness message: %w", err)
	}
	return nil
}

// SendFuzzer writes a FuzzerMessage.
func (c *Channel) SendFuzzer(msg FuzzerMessage) error {
	if err := c.enc.Encode(&msg); err != nil {
		return fmt.Errorf("wire: send fuzzer message: %w", err)
	}
	return nil
}

// RecvHarness blocks until a HarnessMessage arrives, ctx is done, or the
// peer disconnects.
func (c *Channel) RecvHarness(ctx context.Context) (HarnessMessage, error) {
	var msg HarnessMessage
	err := c.recv(ctx, &msg)
	return msg, err
}

// RecvFuzzer blocks until a FuzzerMessage arrives, ctx is done, or the
// peer disconnects.
func (c *Channel) RecvFuzzer(ctx context.Context) (FuzzerMessage, error) {
	var msg FuzzerMessage
	err := c.recv(ctx, &msg)
	return msg, err
}

// recv decodes the next JSON value into v, honoring ctx cancellation by
// racing the blocking decode against ctx.Done() in a helper goroutine,
// the same technique the Go toolchain's own fuzzing worker uses to make
// a blocking pipe read cancellable.
func (c *Channel) recv(ctx context.Context, v interface{}) error {
	type result struct {
		err error
	}
	done := make(chan result, 1)
	go func() {
		done <- result{err: c.dec.Decode(v)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				return fmt.Errorf("wire: recv: %w", ErrPeerGone)
			}
			return fmt.Errorf("wire: recv: %w", r.err)
		}
		return nil
	case <-ctx.Done():
		c.conn.Close()
		<-done
		return fmt.Errorf("wire: recv: %w", ErrPeerGone)
	}
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}
