package nodes

import (
	"context"
	"fmt"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/dps_lobby/src/api/transport"
)

// Role is the part a participant plays when connecting to one peer.
type Role int

const (
	Initiator Role = iota // dials the peer
	Acceptor              // waits for the peer to dial
)

func (r Role) String() string {
	if r == Acceptor {
		return "acceptor"
	}
	return "initiator"
}

// RoleFor is the role self takes towards peer. The higher-ranked participant
// of a pair always accepts, so both sides derive the same assignment from
// the shared participant map.
func RoleFor(self, peer ID) Role {
	if peer.Less(self) {
		return Acceptor
	}
	return Initiator
}

type MeshConfig struct {
	Backoff       time.Duration `toml:"backoff"`        // initiator delay so the acceptor is listening first
	RetryInterval time.Duration `toml:"retry_interval"` // pause between failed dials
	Timeout       time.Duration `toml:"timeout"`        // 0 waits until the context ends
}

func DefaultMeshConfig() MeshConfig {
	return MeshConfig{
		Backoff:       time.Second,
		RetryInterval: 250 * time.Millisecond,
		Timeout:       time.Minute,
	}
}

// ConnectionTable holds one stream per peer.
type ConnectionTable struct {
	mu      sync.Mutex
	streams map[string]*transport.Stream
	peers   []ID
}

func newConnectionTable(peers []ID) *ConnectionTable {
	return &ConnectionTable{
		streams: make(map[string]*transport.Stream, len(peers)),
		peers:   peers,
	}
}

func (t *ConnectionTable) bind(name string, s *transport.Stream) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.streams[name]; exists {
		return false
	}
	t.streams[name] = s
	return true
}

// Stream returns the stream connected to the named peer.
func (t *ConnectionTable) Stream(name string) (*transport.Stream, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[name]
	return s, ok
}

// Peers returns the connected peers in rank order.
func (t *ConnectionTable) Peers() []ID {
	return append([]ID(nil), t.peers...)
}

func (t *ConnectionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

func (t *ConnectionTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var merr *multierror.Error
	for name, s := range t.streams {
		merr = multierror.Append(merr, s.Close())
		delete(t.streams, name)
	}
	return merr.ErrorOrNil()
}

// EstablishMesh connects the local participant to every peer in pmap. The
// stream transport must already be listening on the announced port.
func EstablishMesh(ctx context.Context, st transport.StreamTransport, pmap *ParticipantMap, cfg MeshConfig) (*ConnectionTable, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	self := pmap.Self()
	peers := pmap.Peers()
	table := newConnectionTable(peers)

	// resolve every endpoint before the first goroutine starts
	type target struct {
		peer ID
		ep   Endpoint
	}
	expected := make(map[string]bool)
	var dial []target
	for _, peer := range peers {
		role := RoleFor(self, peer)
		logs.Debugf("EstablishMesh(%s): %s towards %s", self, role, peer)
		if role == Acceptor {
			expected[peer.Name] = true
			continue
		}
		ep, _, err := pmap.Lookup(peer.Name)
		if err != nil {
			return nil, err
		}
		dial = append(dial, target{peer: peer, ep: ep})
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(expected) > 0 {
		g.Go(func() error {
			return acceptPeers(gctx, st, table, expected)
		})
	}

	for _, tg := range dial {
		peer, ep := tg.peer, tg.ep
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(cfg.Backoff):
			}
			s, err := st.Dial(gctx, ep.String())
			if err != nil {
				return fmt.Errorf("connect to %s: %w", peer, err)
			}
			if err := s.SendHello(self.Name); err != nil {
				s.Close()
				return fmt.Errorf("hello to %s: %w", peer, err)
			}
			table.bind(peer.Name, s)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		table.Close()
		return nil, err
	}
	logs.Infof("EstablishMesh(%s): %d stream(s) ready", self, table.Len())
	return table, nil
}

// acceptPeers binds inbound streams to the lower-ranked peers by their hello.
func acceptPeers(ctx context.Context, st transport.StreamTransport, table *ConnectionTable, expected map[string]bool) error {
	remaining := len(expected)
	for remaining > 0 {
		s, err := st.Accept(ctx)
		if err != nil {
			return err
		}
		name, err := s.ReceiveHello(ctx)
		if err != nil {
			s.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logs.Warnf("acceptPeers(): dropping %s: %v", s.RemoteAddr(), err)
			continue
		}
		if !expected[name] || !table.bind(name, s) {
			logs.Warnf("acceptPeers(): unexpected hello %q from %s", name, s.RemoteAddr())
			s.Close()
			continue
		}
		logs.Debugf("acceptPeers(): %s connected from %s", name, s.RemoteAddr())
		remaining--
	}
	return nil
}
