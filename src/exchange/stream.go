package exchange

import (
	"context"
	"errors"
	"fmt"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_lobby/src/api/transport"
)

// ErrTrialDesync means a peer answered on the stream mesh for a different
// trial. Connection-oriented exchange cannot recover from it.
var ErrTrialDesync = errors.New("participants are not synchronized on the same trial")

// ExchangeSync sends payload to every peer over the stream mesh and waits
// for one envelope back from each. Peers are visited in rank order; on each
// stream ours is written while theirs is read. Payloads are bounded by
// transport.MaxFrameSize.
func (s *Session) ExchangeSync(ctx context.Context, trial transport.Trial, payload []byte) ([]string, [][]byte, error) {
	if s.mesh == nil {
		return nil, nil, ErrNoMesh
	}
	s.log.Put(trial, payload)

	out := &transport.Envelope{Trial: trial, Sender: s.self.Name, Payload: payload}
	peers := s.mesh.Peers()
	ids := make([]string, 0, len(peers))
	payloads := make([][]byte, 0, len(peers))

	for _, peer := range peers {
		stream, ok := s.mesh.Stream(peer.Name)
		if !ok {
			return nil, nil, fmt.Errorf("%w: no stream to %s", ErrNoMesh, peer)
		}
		// the peer is writing to us too; a payload larger than the socket
		// buffers must not block both writers
		sent := make(chan error, 1)
		go func() { sent <- stream.Send(out) }()

		in, err := stream.Receive(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("trial %d: receive from %s: %w", trial, peer, err)
		}
		if err := <-sent; err != nil {
			return nil, nil, fmt.Errorf("trial %d: send to %s: %w", trial, peer, err)
		}
		if in.Trial != trial {
			return nil, nil, fmt.Errorf("%w: %s sent trial %d during trial %d", ErrTrialDesync, peer, in.Trial, trial)
		}
		if in.Sender != peer.Name {
			return nil, nil, fmt.Errorf("%w: stream to %s carried a message from %s", ErrTrialDesync, peer, in.Sender)
		}
		logs.Debugf("session[%s]: trial %d: received %d byte(s) from %s", s.tag, trial, len(in.Payload), in.Sender)
		ids = append(ids, in.Sender)
		payloads = append(payloads, in.Payload)
	}
	return ids, payloads, nil
}
