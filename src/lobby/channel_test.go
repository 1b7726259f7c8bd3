package lobby

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryHubBroadcastsToEveryMember(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Join("10.0.0.1")
	b := hub.Join("10.0.0.2")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send([]byte("hello")))

	for _, ch := range []Channel{a, b} {
		src, data, err := ch.Receive(time.Now().Add(time.Second))
		require.NoError(t, err)
		require.Equal(t, "10.0.0.1", src)
		require.Equal(t, []byte("hello"), data)
	}
}

func TestMemoryHubReceiveDeadline(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Join("10.0.0.1")
	defer a.Close()

	_, _, err := a.Receive(time.Now().Add(20 * time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
}

func TestMemoryHubClosedMember(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Join("10.0.0.1")
	b := hub.Join("10.0.0.2")
	defer b.Close()

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Send([]byte("x")), ErrChannelClosed)

	_, _, err := a.Receive(time.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrChannelClosed)

	// b no longer hears from a, and a does not hear b
	require.NoError(t, b.Send([]byte("y")))
	src, _, err := b.Receive(time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2", src)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.GroupSize = 0
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Timeout = 0
	require.Error(t, cfg.Validate())
}
