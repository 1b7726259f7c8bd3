package main

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_lobby/src/api/transport"
	"github.com/danmuck/dps_lobby/src/exchange"
	"github.com/danmuck/dps_lobby/src/lobby"
	"github.com/danmuck/dps_lobby/src/trialdata"
)

const (
	modeStream  = "stream"
	modeBarrier = "barrier"
)

type runner struct {
	session *exchange.Session
	mode    string
	trials  int
	rows    int
	linger  time.Duration
}

func (r *runner) Run(ctx context.Context, groupAddr string) error {
	ch, err := lobby.NewMulticastChannel(groupAddr)
	if err != nil {
		return err
	}
	pmap, err := r.session.Discover(ctx, ch)
	ch.Close()
	if err != nil {
		return err
	}
	logs.Infof("participants: %v", pmap.IDs())

	exchangeFn := r.session.ExchangeBarrier
	if r.mode == modeStream {
		if _, err := r.session.EstablishMesh(ctx); err != nil {
			return err
		}
		exchangeFn = r.session.ExchangeSync
	}

	for trial := 1; trial <= r.trials; trial++ {
		m, err := randomMatrix(r.rows)
		if err != nil {
			return err
		}
		start := time.Now()
		ids, payloads, err := exchangeFn(ctx, transport.Trial(trial), m.Marshal())
		if err != nil {
			return fmt.Errorf("trial %d: %w", trial, err)
		}
		logs.Infof("trial %d: %d response(s) in %s", trial, len(ids), time.Since(start).Round(time.Millisecond))
		for i, id := range ids {
			theirs, err := trialdata.UnmarshalMatrix(payloads[i])
			if err != nil {
				logs.Warnf("trial %d: undecodable payload from %s: %v", trial, id, err)
				continue
			}
			alloc, err := theirs.Column(trialdata.ColAllocation)
			if err != nil {
				logs.Warnf("trial %d: payload from %s: %v", trial, id, err)
				continue
			}
			logs.Debugf("trial %d: %s allocated %v", trial, id, alloc)
		}
	}

	if r.mode == modeBarrier {
		return r.session.Linger(ctx, r.linger)
	}
	return nil
}

// randomMatrix stands in for a participant's responses to one trial.
func randomMatrix(rows int) (*trialdata.Matrix, error) {
	cols := make([][]float64, 4)
	for c := range cols {
		cols[c] = make([]float64, rows)
	}
	for i := 0; i < rows; i++ {
		cols[trialdata.ColAllocation][i] = float64(rand.Intn(100))
		cols[trialdata.ColConfidence][i] = rand.Float64()
		cols[trialdata.ColSeverity][i] = float64(1 + rand.Intn(5))
		cols[trialdata.ColRadius][i] = 10 * rand.Float64()
	}
	return trialdata.FromColumns(cols...)
}
