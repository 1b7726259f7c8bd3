package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/dps_lobby/src/api/nodes"
)

func testConfig(groupSize int) Config {
	return Config{
		GroupSize:        groupSize,
		Timeout:          5 * time.Second,
		AnnounceInterval: 20 * time.Millisecond,
		Linger:           200 * time.Millisecond,
	}
}

func TestParseAnnouncement(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		id      string
		port    int
		wantErr bool
	}{
		{name: "valid", data: Announcement("001", 8123), id: "001", port: 8123},
		{name: "id containing at sign", data: []byte("001@lab@8500\x00"), id: "001@lab", port: 8500},
		{name: "no terminator", data: []byte("001@8123"), wantErr: true},
		{name: "no separator", data: []byte("0018123\x00"), wantErr: true},
		{name: "empty id", data: []byte("@8123\x00"), wantErr: true},
		{name: "port out of range", data: []byte("001@70000\x00"), wantErr: true},
		{name: "empty", data: nil, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			id, port, err := ParseAnnouncement(tc.data)
			if tc.wantErr {
				require.ErrorIs(t, err, ErrBadAnnouncement)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.id, id)
			require.Equal(t, tc.port, port)
		})
	}
}

func TestDiscoverConverges(t *testing.T) {
	hub := NewMemoryHub()
	names := []string{"001", "002", "003"}
	ports := []int{9001, 9002, 9003}

	maps := make([]*nodes.ParticipantMap, len(names))
	g, ctx := errgroup.WithContext(context.Background())
	for i, name := range names {
		ch := hub.Join("127.0.0.1")
		t.Cleanup(func() { ch.Close() })
		g.Go(func() error {
			m, err := Discover(ctx, ch, name, ports[i], testConfig(len(names)))
			maps[i] = m
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i, m := range maps {
		require.Equal(t, len(names), m.Distinct())
		require.Equal(t, len(names), m.Len())
		require.NoError(t, m.Validate())

		ep, id, err := m.Lookup(names[i])
		require.NoError(t, err)
		require.Equal(t, names[i], id.Name)
		require.Equal(t, ports[i], ep.Port)

		for j, other := range names {
			ep, _, err := m.Lookup(other)
			require.NoError(t, err)
			require.Equal(t, nodes.Endpoint{Addr: "127.0.0.1", Port: ports[j]}, ep)
		}
	}
}

func TestDiscoverOverflow(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	// three more participants are already shouting when we join a group of three
	for i, name := range []string{"002", "003", "004"} {
		ch := hub.Join("127.0.0.1")
		defer ch.Close()
		require.NoError(t, ch.Send(Announcement(name, 9002+i)))
	}

	_, err := Discover(context.Background(), self, "001", 9001, testConfig(3))
	require.ErrorIs(t, err, ErrDiscoveryOverflow)
}

func TestDiscoverDuplicateID(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	a := hub.Join("127.0.0.1")
	defer a.Close()
	b := hub.Join("127.0.0.2")
	defer b.Close()
	require.NoError(t, a.Send(Announcement("002", 9002)))
	require.NoError(t, b.Send(Announcement("002", 9002)))

	_, err := Discover(context.Background(), self, "001", 9001, testConfig(2))
	require.ErrorIs(t, err, ErrDiscoveryDuplicateID)
}

func TestDiscoverRejectsMalformedSelf(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	_, err := Discover(context.Background(), self, "TEST_001", 9001, testConfig(2))
	require.ErrorIs(t, err, ErrMalformedID)
}

func TestDiscoverTimeoutReturnsPartialGroup(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()
	peer := hub.Join("127.0.0.1")
	defer peer.Close()
	require.NoError(t, peer.Send(Announcement("002", 9002)))

	cfg := testConfig(4)
	cfg.Timeout = 150 * time.Millisecond

	start := time.Now()
	m, err := Discover(context.Background(), self, "001", 9001, cfg)
	require.NoError(t, err)
	require.Equal(t, 2, m.Distinct())
	require.GreaterOrEqual(t, time.Since(start), cfg.Timeout)
}

func TestDiscoverSelfObservationCorrection(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	// a reflected packet for our port carrying a foreign id must map to us
	mirror := hub.Join("127.0.0.1")
	defer mirror.Close()
	require.NoError(t, mirror.Send(Announcement("099", 9001)))
	peer := hub.Join("127.0.0.1")
	defer peer.Close()
	require.NoError(t, peer.Send(Announcement("002", 9002)))

	m, err := Discover(context.Background(), self, "001", 9001, testConfig(2))
	require.NoError(t, err)
	require.Equal(t, 2, m.Distinct())
	_, _, err = m.Lookup("099")
	require.ErrorIs(t, err, nodes.ErrUnknownPeer)

	ep, _, err := m.Lookup("001")
	require.NoError(t, err)
	require.Equal(t, 9001, ep.Port)
}

func TestDiscoverHonoursContext(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := Discover(ctx, self, "001", 9001, testConfig(3))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// chatter re-announces name from its own hub member until the test ends.
func chatter(t *testing.T, hub *MemoryHub, name string, port int, every time.Duration) {
	t.Helper()
	ch := hub.Join("127.0.0.9")
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ch.Send(Announcement(name, port))
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
		ch.Close()
	})
}

func TestDiscoverTimeoutUnderSustainedTraffic(t *testing.T) {
	for _, every := range []time.Duration{2 * time.Millisecond, 500 * time.Microsecond} {
		t.Run(every.String(), func(t *testing.T) {
			hub := NewMemoryHub()
			self := hub.Join("127.0.0.1")
			defer self.Close()
			chatter(t, hub, "002", 9002, every)

			cfg := testConfig(3)
			cfg.Timeout = 200 * time.Millisecond

			start := time.Now()
			m, err := Discover(context.Background(), self, "001", 9001, cfg)
			require.NoError(t, err)
			require.Equal(t, 2, m.Distinct())
			require.Less(t, time.Since(start), 500*time.Millisecond)
		})
	}
}

func TestDiscoverContextUnderSustainedTraffic(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()
	chatter(t, hub, "002", 9002, 500*time.Microsecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Discover(ctx, self, "001", 9001, testConfig(3))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDiscoverKeepsAnnouncingUnderSustainedTraffic(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()
	listener := hub.Join("127.0.0.2")
	defer listener.Close()
	chatter(t, hub, "002", 9002, 500*time.Microsecond)

	cfg := testConfig(3)
	cfg.Timeout = 300 * time.Millisecond
	go Discover(context.Background(), self, "001", 9001, cfg)

	heard := 0
	deadline := time.Now().Add(cfg.Timeout)
	for time.Now().Before(deadline) {
		_, data, err := listener.Receive(deadline)
		if err != nil {
			break
		}
		if id, _, err := ParseAnnouncement(data); err == nil && id == "001" {
			heard++
		}
	}
	require.Greater(t, heard, 1)
}

func TestDiscoverReportsPortCollisionWithSelf(t *testing.T) {
	hub := NewMemoryHub()
	self := hub.Join("127.0.0.1")
	defer self.Close()

	peer := hub.Join("127.0.0.1")
	defer peer.Close()
	// a participant on another host happens to use our port
	other := hub.Join("127.0.0.2")
	defer other.Close()

	require.NoError(t, peer.Send(Announcement("002", 9002)))
	require.NoError(t, other.Send(Announcement("003", 9001)))

	_, err := Discover(context.Background(), self, "001", 9001, testConfig(2))
	require.ErrorIs(t, err, ErrDiscoveryDuplicateID)
}
