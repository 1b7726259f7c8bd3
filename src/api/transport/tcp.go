package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/smplog"
)

// acceptPoll bounds each blocking Accept so cancellation is noticed.
const acceptPoll = 500 * time.Millisecond

var _ StreamTransport = (*TCPHandler)(nil)

type TCPHandler struct {
	address       string
	listener      *net.TCPListener
	coder         Coder
	retryInterval time.Duration
}

// TCPHandler generator function
func NewTCPHandler(address string, retryInterval time.Duration) *TCPHandler {
	logs.Debugf("NewTCPHandler(%s)", address)
	if retryInterval <= 0 {
		retryInterval = 250 * time.Millisecond
	}
	return &TCPHandler{
		address:       address,
		coder:         DefaultCoder{},
		retryInterval: retryInterval,
	}
}

// Listen binds the listener without accepting anything yet.
func (h *TCPHandler) Listen() error {
	logs.Debugf("Listen(%s)", h.address)
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return err
	}
	h.listener = ln.(*net.TCPListener)
	return nil
}

func (h *TCPHandler) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Accept waits for one inbound stream or for ctx to end.
func (h *TCPHandler) Accept(ctx context.Context) (*Stream, error) {
	if h.listener == nil {
		return nil, errors.New("listener not bound")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.listener.SetDeadline(time.Now().Add(acceptPoll))
		conn, err := h.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Timeout() {
				// Timeout, continue to check ctx
				continue
			}
			return nil, fmt.Errorf("accept: %w", err)
		}
		logs.Debugf("Accept(): %s", conn.RemoteAddr())
		return NewStream(conn, h.coder), nil
	}
}

// Dial connects to addr, retrying until the peer is listening or ctx ends.
func (h *TCPHandler) Dial(ctx context.Context, addr string) (*Stream, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			logs.Debugf("Dial(%s): connected", addr)
			return NewStream(conn, h.coder), nil
		}
		logs.Debugf("Dial(%s): %v", addr, err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, ctx.Err())
		case <-time.After(h.retryInterval):
		}
	}
}

// Close releases the listener; established streams stay open.
func (h *TCPHandler) Close() error {
	if h.listener == nil {
		return nil
	}
	return h.listener.Close()
}

// Stream is one reliable, framed connection to a peer.
type Stream struct {
	conn   net.Conn
	reader *bufio.Reader
	coder  Coder
}

func NewStream(conn net.Conn, coder Coder) *Stream {
	return &Stream{
		conn:   conn,
		reader: bufio.NewReader(conn),
		coder:  coder,
	}
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Stream) Send(env *Envelope) error {
	if err := s.coder.Encode(s.conn, env); err != nil {
		return fmt.Errorf("failed to send envelope: %w", err)
	}
	return nil
}

// Receive blocks for exactly one envelope. Cancelling ctx unblocks the read.
func (s *Stream) Receive(ctx context.Context) (*Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	env, err := s.coder.Decode(s.reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return env, nil
}

// SendHello identifies the dialing side to the acceptor.
func (s *Stream) SendHello(name string) error {
	return WriteFrame(s.conn, []byte(name))
}

func (s *Stream) ReceiveHello(ctx context.Context) (string, error) {
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	frame, err := ReadFrame(s.reader)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read hello: %w", err)
	}
	return string(frame), nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}
