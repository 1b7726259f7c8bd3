package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_lobby/src/api/nodes"
	"github.com/danmuck/dps_lobby/src/api/transport"
)

var ErrBarrierAbandoned = errors.New("gave up waiting for the trial barrier")

// barrierState is the per-trial delivery state of the datagram barrier.
// sent[p] records that p's payload is held; confirmed[p] that p reported
// holding everyone's payload.
type barrierState struct {
	trial     transport.Trial
	sent      map[string]bool
	confirmed map[string]bool

	ids      []string
	payloads [][]byte
}

func newBarrierState(trial transport.Trial, peers []nodes.ID) *barrierState {
	b := &barrierState{
		trial:     trial,
		sent:      make(map[string]bool, len(peers)),
		confirmed: make(map[string]bool, len(peers)),
		ids:       make([]string, 0, len(peers)),
		payloads:  make([][]byte, 0, len(peers)),
	}
	for _, p := range peers {
		b.sent[p.Name] = false
		b.confirmed[p.Name] = false
	}
	return b
}

// observe applies an envelope for the current trial. The first payload from
// a peer is kept; later copies only refresh its confirmation flag.
func (b *barrierState) observe(env *transport.Envelope) bool {
	got, known := b.sent[env.Sender]
	if !known || env.Trial != b.trial {
		return false
	}
	if !got {
		b.sent[env.Sender] = true
		b.ids = append(b.ids, env.Sender)
		b.payloads = append(b.payloads, env.Payload)
	}
	b.confirmed[env.Sender] = env.Confirmed
	return true
}

// selfConfirmed is true once every peer's payload is held.
func (b *barrierState) selfConfirmed() bool {
	for _, ok := range b.sent {
		if !ok {
			return false
		}
	}
	return true
}

func (b *barrierState) complete() bool {
	if !b.selfConfirmed() {
		return false
	}
	for _, ok := range b.confirmed {
		if !ok {
			return false
		}
	}
	return true
}

func (b *barrierState) String() string {
	return fmt.Sprintf("trial %d sent=%v confirmed=%v", b.trial, b.sent, b.confirmed)
}

// ExchangeBarrier trades payloads with every peer over datagrams and returns
// once every participant, the local one included, has confirmed holding all
// payloads for trial. Lost datagrams are covered by resending every round; a
// peer still on an earlier trial is answered from the message log.
//
// Without Barrier.MaxRounds the call waits as long as ctx allows.
func (s *Session) ExchangeBarrier(ctx context.Context, trial transport.Trial, payload []byte) ([]string, [][]byte, error) {
	if s.participants == nil {
		return nil, nil, ErrNotDiscovered
	}
	peers := s.participants.Peers()
	addrs, err := s.peerAddrs(peers)
	if err != nil {
		return nil, nil, err
	}

	s.log.Put(trial, payload)
	state := newBarrierState(trial, peers)

	for round := 1; !state.complete(); round++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if limit := s.cfg.Barrier.MaxRounds; limit > 0 && round > limit {
			return nil, nil, fmt.Errorf("%w: %s after %d round(s)", ErrBarrierAbandoned, state, limit)
		}

		s.broadcast(addrs, &transport.Envelope{
			Trial:     trial,
			Confirmed: state.selfConfirmed(),
			Sender:    s.self.Name,
			Payload:   payload,
		})

		for range peers {
			env, _, err := s.udp.Receive(s.cfg.Barrier.RecvTimeout)
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			if err != nil {
				return nil, nil, fmt.Errorf("trial %d: receive: %w", trial, err)
			}
			s.handleBarrierEnvelope(state, addrs, env)
		}
		logs.Debugf("session[%s]: round %d: %s", s.tag, round, state)
	}

	// Peers may still be waiting for our confirmation; one more copy saves
	// them a round trip through the resend path.
	s.broadcast(addrs, &transport.Envelope{Trial: trial, Confirmed: true, Sender: s.self.Name, Payload: payload})
	return state.ids, state.payloads, nil
}

func (s *Session) handleBarrierEnvelope(state *barrierState, addrs map[string]*net.UDPAddr, env *transport.Envelope) {
	if _, known := addrs[env.Sender]; !known {
		logs.Warnf("session[%s]: ignoring envelope from unknown participant %q", s.tag, env.Sender)
		return
	}
	if env.Trial == state.trial {
		state.observe(env)
		return
	}
	if env.Trial < state.trial {
		s.resend(addrs, env)
	}
}

// resend answers a peer that is on an earlier trial with what we sent for
// that trial, if we have it. We only leave a trial once its barrier
// completed, so the copy carries the confirmation flag.
func (s *Session) resend(addrs map[string]*net.UDPAddr, env *transport.Envelope) {
	if env.Replay {
		return
	}
	cached, ok := s.log.Get(env.Trial)
	if !ok {
		logs.Debugf("session[%s]: %s is on trial %d, nothing logged", s.tag, env.Sender, env.Trial)
		return
	}
	logs.Debugf("session[%s]: %s is on trial %d, resending", s.tag, env.Sender, env.Trial)
	out := &transport.Envelope{Trial: env.Trial, Confirmed: true, Sender: s.self.Name, Payload: cached, Replay: true}
	if err := s.udp.Send(addrs[env.Sender], out); err != nil {
		logs.Warnf("session[%s]: resend to %s: %v", s.tag, env.Sender, err)
	}
}

func (s *Session) broadcast(addrs map[string]*net.UDPAddr, env *transport.Envelope) {
	for name, addr := range addrs {
		if err := s.udp.Send(addr, env); err != nil {
			logs.Warnf("session[%s]: send to %s: %v", s.tag, name, err)
		}
	}
}

func (s *Session) peerAddrs(peers []nodes.ID) (map[string]*net.UDPAddr, error) {
	addrs := make(map[string]*net.UDPAddr, len(peers))
	for _, p := range peers {
		ep, _, err := s.participants.Lookup(p.Name)
		if err != nil {
			return nil, err
		}
		addrs[p.Name] = ep.UDPAddr()
	}
	return addrs, nil
}

// Linger keeps answering peers from the message log for d. Call it after the
// last trial so a peer still waiting on our confirmation can finish.
func (s *Session) Linger(ctx context.Context, d time.Duration) error {
	if s.participants == nil {
		return ErrNotDiscovered
	}
	addrs, err := s.peerAddrs(s.participants.Peers())
	if err != nil {
		return err
	}
	until := time.Now().Add(d)
	for time.Now().Before(until) {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := s.cfg.Barrier.RecvTimeout
		if left := time.Until(until); left < wait {
			wait = left
		}
		env, _, err := s.udp.Receive(wait)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if _, known := addrs[env.Sender]; known {
			s.resend(addrs, env)
		}
	}
	return nil
}
