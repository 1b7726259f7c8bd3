package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPHandlerDialAccept(t *testing.T) {
	handler := NewTCPHandler("127.0.0.1:0", 50*time.Millisecond)
	require.NoError(t, handler.Listen())
	defer handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *Stream, 1)
	go func() {
		s, err := handler.Accept(ctx)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- s
	}()

	client, err := NewTCPHandler("", 50*time.Millisecond).Dial(ctx, handler.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	server, ok := <-accepted
	require.True(t, ok, "accept failed")
	defer server.Close()

	require.NoError(t, client.SendHello("001"))
	name, err := server.ReceiveHello(ctx)
	require.NoError(t, err)
	require.Equal(t, "001", name)

	require.NoError(t, client.Send(&Envelope{Trial: 4, Sender: "001", Payload: []byte("hello")}))
	env, err := server.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, Trial(4), env.Trial)
	require.Equal(t, []byte("hello"), env.Payload)
}

func TestTCPHandlerAcceptHonoursContext(t *testing.T) {
	handler := NewTCPHandler("127.0.0.1:0", 0)
	require.NoError(t, handler.Listen())
	defer handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := handler.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPHandlerDialRetriesUntilListening(t *testing.T) {
	// reserve a port, then release it so the first dials are refused
	probe := NewTCPHandler("127.0.0.1:0", 0)
	require.NoError(t, probe.Listen())
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(200 * time.Millisecond)
		late := NewTCPHandler(addr, 0)
		if err := late.Listen(); err != nil {
			return
		}
		defer late.Close()
		if s, err := late.Accept(ctx); err == nil {
			s.Close()
		}
	}()

	s, err := NewTCPHandler("", 25*time.Millisecond).Dial(ctx, addr)
	require.NoError(t, err)
	s.Close()
}

func TestStreamReceiveHonoursContext(t *testing.T) {
	handler := NewTCPHandler("127.0.0.1:0", 0)
	require.NoError(t, handler.Listen())
	defer handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if s, err := handler.Accept(ctx); err == nil {
			<-ctx.Done()
			s.Close()
		}
	}()

	client, err := NewTCPHandler("", 0).Dial(ctx, handler.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	short, stop := context.WithTimeout(ctx, 100*time.Millisecond)
	defer stop()
	_, err = client.Receive(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
