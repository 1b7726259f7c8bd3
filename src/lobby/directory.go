package lobby

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	logs "github.com/danmuck/smplog"

	"github.com/danmuck/dps_lobby/src/api/nodes"
)

// drainWindow is how long discovery keeps reading after an announcement to
// pick up the ones queued behind it before judging the group size.
const drainWindow = 5 * time.Millisecond

// maxDrain caps the packets read in one drain.
const maxDrain = 256

var (
	ErrDiscoveryOverflow    = errors.New("lobby has exceeded the configured group size")
	ErrDiscoveryDuplicateID = nodes.ErrDuplicateID
	ErrMalformedID          = nodes.ErrMalformedID
	ErrBadAnnouncement      = errors.New("malformed announcement")
)

// Announcement is the text a participant broadcasts: "<id>@<port>\x00".
func Announcement(name string, port int) []byte {
	return []byte(name + "@" + strconv.Itoa(port) + "\x00")
}

// ParseAnnouncement splits an announcement into its id and port.
func ParseAnnouncement(data []byte) (string, int, error) {
	if len(data) == 0 || data[len(data)-1] != 0 {
		return "", 0, fmt.Errorf("%w: missing NUL terminator", ErrBadAnnouncement)
	}
	data = data[:len(data)-1]
	at := bytes.LastIndexByte(data, '@')
	if at <= 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadAnnouncement, data)
	}
	port, err := strconv.Atoi(string(data[at+1:]))
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: bad port in %q", ErrBadAnnouncement, data)
	}
	return string(data[:at]), port, nil
}

type directory struct {
	self     nodes.ID
	selfPort int
	pmap     *nodes.ParticipantMap
	// placeholder stands in for the local endpoint until our own
	// announcement is observed on the channel
	placeholder *nodes.Endpoint
	selfEP      nodes.Endpoint
}

func (d *directory) observe(src string, data []byte) {
	name, port, err := ParseAnnouncement(data)
	if err != nil {
		logs.Warnf("lobby: dropping announcement from %s: %v", src, err)
		return
	}
	ep := nodes.Endpoint{Addr: src, Port: port}

	if port == d.selfPort {
		switch {
		case d.placeholder != nil:
			d.pmap.Remove(*d.placeholder)
			d.placeholder = nil
			d.selfEP = ep
			logs.Debugf("lobby: observed self at %s", ep)
		case ep != d.selfEP:
			// another host shares our port; validation reports the duplicate
			logs.Warnf("lobby: %q at %s collides with self at %s", name, ep, d.selfEP)
		}
		d.pmap.Insert(ep, d.self)
		return
	}

	id, err := nodes.ParseID(name)
	if err != nil {
		logs.Warnf("lobby: dropping announcement from %s: %v", ep, err)
		return
	}
	if prev, _, err := d.pmap.Lookup(id.Name); err != nil || prev != ep {
		logs.Debugf("lobby: %s announced at %s", id, ep)
	}
	d.pmap.Insert(ep, id)
}

// drain reads whatever is already queued behind an announcement. It is
// bounded by drainWindow and maxDrain, and ends early at expires or with ctx.
func (d *directory) drain(ctx context.Context, ch Channel, expires time.Time) {
	until := time.Now().Add(drainWindow)
	if expires.Before(until) {
		until = expires
	}
	for i := 0; i < maxDrain && ctx.Err() == nil && time.Now().Before(until); i++ {
		src, data, err := ch.Receive(until)
		if err != nil {
			return
		}
		d.observe(src, data)
	}
}

// Discover announces selfName on ch and collects the announcements of others
// until cfg.GroupSize distinct participants are known or cfg.Timeout elapses.
// A timeout is not an error: the partial map is returned and callers must
// check its size.
func Discover(ctx context.Context, ch Channel, selfName string, selfPort int, cfg Config) (*nodes.ParticipantMap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	self, err := nodes.ParseID(selfName)
	if err != nil {
		return nil, err
	}

	d := &directory{
		self:        self,
		selfPort:    selfPort,
		pmap:        nodes.NewParticipantMap(self),
		placeholder: &nodes.Endpoint{Port: selfPort},
	}
	d.pmap.Insert(*d.placeholder, self)

	announcement := Announcement(self.Name, selfPort)
	start := time.Now()
	expires := start.Add(cfg.Timeout)
	nextAnnounce := start

	logs.Infof("lobby: %s waiting for %d participant(s) on port %d", self, cfg.GroupSize, selfPort)

	complete := false
	for !complete {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := time.Now()
		if !now.Before(nextAnnounce) {
			if err := ch.Send(announcement); err != nil {
				return nil, fmt.Errorf("lobby: announce: %w", err)
			}
			nextAnnounce = now.Add(cfg.AnnounceInterval)
		}

		deadline := nextAnnounce
		if expires.Before(deadline) {
			deadline = expires
		}
		src, data, err := ch.Receive(deadline)
		switch {
		case errors.Is(err, ErrTimeout):
			if time.Since(start) > cfg.Timeout {
				logs.Warnf("lobby: timed out with %d of %d participant(s)", d.pmap.Distinct(), cfg.GroupSize)
				complete = true
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("lobby: receive: %w", err)
		}

		d.observe(src, data)
		d.drain(ctx, ch, expires)

		distinct := d.pmap.Distinct()
		switch {
		case time.Since(start) > cfg.Timeout:
			logs.Warnf("lobby: timed out with %d of %d participant(s)", distinct, cfg.GroupSize)
			complete = true
		case distinct == cfg.GroupSize:
			complete = true
		case distinct > cfg.GroupSize:
			return nil, fmt.Errorf("%w: %d participants, expected %d", ErrDiscoveryOverflow, distinct, cfg.GroupSize)
		}
	}

	if err := d.pmap.Validate(); err != nil {
		return nil, err
	}

	if d.pmap.Distinct() == cfg.GroupSize && cfg.Linger > 0 {
		if err := linger(ctx, ch, announcement, cfg); err != nil {
			return nil, err
		}
	}

	logs.Infof("lobby: %s found %d participant(s) in %s", self, d.pmap.Distinct(), time.Since(start).Round(time.Millisecond))
	return d.pmap, nil
}

// linger keeps announcing so participants that started later still hear us.
// Whatever arrives meanwhile is discarded: the group is already fixed.
func linger(ctx context.Context, ch Channel, announcement []byte, cfg Config) error {
	until := time.Now().Add(cfg.Linger)
	for time.Now().Before(until) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.Send(announcement); err != nil {
			return fmt.Errorf("lobby: announce: %w", err)
		}
		deadline := time.Now().Add(cfg.AnnounceInterval)
		if until.Before(deadline) {
			deadline = until
		}
		for time.Now().Before(deadline) {
			if _, _, err := ch.Receive(deadline); err != nil {
				break
			}
		}
	}
	return nil
}
