package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	logs "github.com/danmuck/smplog"
)

var ErrTimeout = errors.New("receive timed out")

var _ DatagramTransport = (*UDPHandler)(nil)

// UDPHandler owns the datagram socket a participant advertised during discovery.
type UDPHandler struct {
	conn *net.UDPConn
	buf  []byte
}

func ListenUDP(address string) (*UDPHandler, error) {
	logs.Debugf("ListenUDP(%s)", address)
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &UDPHandler{
		conn: conn,
		buf:  make([]byte, MaxDatagramSize),
	}, nil
}

func (h *UDPHandler) Port() int {
	return h.conn.LocalAddr().(*net.UDPAddr).Port
}

// Send writes the envelope as a single datagram.
func (h *UDPHandler) Send(to *net.UDPAddr, env *Envelope) error {
	data := env.Marshal()
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	if _, err := h.conn.WriteToUDP(data, to); err != nil {
		return fmt.Errorf("failed to send datagram to %s: %w", to, err)
	}
	return nil
}

// Receive waits up to timeout for one envelope. Undecodable datagrams are
// dropped and the wait continues until the deadline.
func (h *UDPHandler) Receive(timeout time.Duration) (*Envelope, *net.UDPAddr, error) {
	deadline := time.Now().Add(timeout)
	for {
		if err := h.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}
		n, from, err := h.conn.ReadFromUDP(h.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, nil, ErrTimeout
			}
			return nil, nil, err
		}
		env, err := UnmarshalEnvelope(h.buf[:n])
		if err != nil {
			logs.Warnf("dropping datagram from %s: %v", from, err)
			continue
		}
		return env, from, nil
	}
}

func (h *UDPHandler) Close() error {
	return h.conn.Close()
}
