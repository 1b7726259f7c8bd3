package transport

import (
	"context"
	"net"
	"time"
)

// StreamTransport establishes reliable point-to-point streams.
type StreamTransport interface {
	Listen() error                                          // bind the listener
	Accept(ctx context.Context) (*Stream, error)            // accept one inbound stream
	Dial(ctx context.Context, addr string) (*Stream, error) // connect to a listening peer
	Close() error                                           // close the listener
}

// DatagramTransport sends and receives single-envelope datagrams.
type DatagramTransport interface {
	Send(to *net.UDPAddr, env *Envelope) error                      // unicast one envelope
	Receive(timeout time.Duration) (*Envelope, *net.UDPAddr, error) // wait at most timeout for one envelope
	Port() int                                                      // locally bound port
	Close() error                                                   // release the socket
}
