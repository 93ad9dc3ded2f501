package ibkr

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// fakeTWS is an in-memory TWS peer. Server messages are pushed into its
// inbound buffer; everything the client writes is captured for assertions.
// With a read deadline set and nothing buffered, Read reports a timeout the
// way a real socket would, so the client's read loop keeps polling.
type fakeTWS struct {
	mu       sync.Mutex
	inbound  bytes.Buffer
	outbound bytes.Buffer
	deadline time.Time
	readErr  error
	closed   bool
}

var _ net.Conn = (*fakeTWS)(nil)

func newFakeTWS() *fakeTWS { return &fakeTWS{} }

// Push frames one server message from its fields.
func (f *fakeTWS) Push(fields ...string) {
	msg := frame(strings.Join(fields, "\x00") + "\x00")
	f.mu.Lock()
	f.inbound.Write(msg)
	f.mu.Unlock()
}

// Received returns a copy of everything the client sent.
func (f *fakeTWS) Received() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.outbound.Bytes())
}

func (f *fakeTWS) ReceivedContains(sub string) bool {
	return bytes.Contains(f.Received(), []byte(sub))
}

func (f *fakeTWS) ReceivedCount(sub string) int {
	return bytes.Count(f.Received(), []byte(sub))
}

// FailReads makes every subsequent Read return err.
func (f *fakeTWS) FailReads(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakeTWS) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTWS) Read(b []byte) (int, error) {
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return 0, io.EOF
	case f.readErr != nil:
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	case f.inbound.Len() > 0:
		defer f.mu.Unlock()
		return f.inbound.Read(b)
	}
	deadline := f.deadline
	f.mu.Unlock()

	if deadline.IsZero() {
		return 0, io.EOF
	}
	// Idle socket: yield briefly, then time out.
	time.Sleep(time.Millisecond)
	return 0, os.ErrDeadlineExceeded
}

func (f *fakeTWS) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	return f.outbound.Write(b)
}

func (f *fakeTWS) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTWS) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50123}
}

func (f *fakeTWS) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: PortTWSPaper}
}

func (f *fakeTWS) SetDeadline(t time.Time) error { return f.SetReadDeadline(t) }

func (f *fakeTWS) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeTWS) SetWriteDeadline(time.Time) error { return nil }

// fakeDialer hands out conn, or fails with err when set.
type fakeDialer struct {
	conn net.Conn
	err  error
}

func (d fakeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}
