package lobby

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/hashicorp/go-multierror"
)

const DefaultMulticastAddr = "239.255.81.23:8123"

var (
	ErrTimeout       = errors.New("no announcement before deadline")
	ErrChannelClosed = errors.New("broadcast channel closed")
)

// Channel is an unreliable local broadcast medium. Every participant on the
// channel, the sender included, may observe what is sent.
type Channel interface {
	Send(data []byte) error
	// Receive returns the source address and bytes of the next packet, or
	// ErrTimeout once deadline passes.
	Receive(deadline time.Time) (string, []byte, error)
	Close() error
}

// MulticastChannel broadcasts over a UDP multicast group on the local network.
type MulticastChannel struct {
	group *net.UDPAddr
	in    *net.UDPConn
	out   *net.UDPConn
	buf   []byte
}

func NewMulticastChannel(groupAddr string) (*MulticastChannel, error) {
	if groupAddr == "" {
		groupAddr = DefaultMulticastAddr
	}
	group, err := net.ResolveUDPAddr("udp4", groupAddr)
	if err != nil {
		return nil, err
	}
	in, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	out, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		in.Close()
		return nil, err
	}
	logs.Debugf("NewMulticastChannel(%s)", group)
	return &MulticastChannel{
		group: group,
		in:    in,
		out:   out,
		buf:   make([]byte, 1024),
	}, nil
}

func (c *MulticastChannel) Send(data []byte) error {
	_, err := c.out.Write(data)
	return err
}

func (c *MulticastChannel) Receive(deadline time.Time) (string, []byte, error) {
	if err := c.in.SetReadDeadline(deadline); err != nil {
		return "", nil, err
	}
	n, from, err := c.in.ReadFromUDP(c.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return "", nil, ErrTimeout
		}
		return "", nil, err
	}
	return from.IP.String(), append([]byte(nil), c.buf[:n]...), nil
}

func (c *MulticastChannel) Close() error {
	var merr *multierror.Error
	merr = multierror.Append(merr, c.in.Close())
	merr = multierror.Append(merr, c.out.Close())
	return merr.ErrorOrNil()
}

// MemoryHub is an in-process broadcast medium. Packets are dropped when a
// member's inbox is full, like datagrams on a congested network.
type MemoryHub struct {
	mu      sync.Mutex
	members map[*memoryChannel]struct{}
}

type packet struct {
	src  string
	data []byte
}

type memoryChannel struct {
	hub   *MemoryHub
	addr  string
	inbox chan packet
	done  chan struct{}
	once  sync.Once
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{members: make(map[*memoryChannel]struct{})}
}

// Join attaches a new member whose packets appear to come from addr.
func (h *MemoryHub) Join(addr string) Channel {
	ch := &memoryChannel{
		hub:   h,
		addr:  addr,
		inbox: make(chan packet, 1024),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.members[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *MemoryHub) broadcast(p packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for member := range h.members {
		select {
		case member.inbox <- p:
		default:
		}
	}
}

func (c *memoryChannel) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	c.hub.broadcast(packet{src: c.addr, data: append([]byte(nil), data...)})
	return nil
}

func (c *memoryChannel) Receive(deadline time.Time) (string, []byte, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case p := <-c.inbox:
		return p.src, p.data, nil
	case <-c.done:
		return "", nil, ErrChannelClosed
	case <-timer.C:
		// a packet may have landed together with the deadline
		select {
		case p := <-c.inbox:
			return p.src, p.data, nil
		default:
			return "", nil, ErrTimeout
		}
	}
}

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.members, c)
		c.hub.mu.Unlock()
		close(c.done)
	})
	return nil
}
