package fieldbus

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-fieldbus/logger"
	"github.com/stretchr/testify/require"
)

func TestConnStateTransitions(t *testing.T) {
	require := require.New(t)
	l := logger.NewNopMockLogger()

	t.Run("Initial State", func(t *testing.T) {
		cs := NewConnStateMgr(l)
		require.Equal(DisconnectedState, cs.State())
		require.False(cs.IsReady())
		require.True(cs.State().IsIdle())
	})

	t.Run("Connect, close and reconnect", func(t *testing.T) {
		var changes [][2]ConnState
		cs := NewConnStateMgr(l, func(prev, next ConnState) {
			changes = append(changes, [2]ConnState{prev, next})
		})

		require.NoError(cs.To(ConnectingState))
		require.NoError(cs.To(HandshakeInProgressState))
		require.NoError(cs.To(ReadyState))
		require.True(cs.IsReady())

		// no-op
		require.NoError(cs.To(ReadyState))

		require.NoError(cs.To(ClosingState))
		require.NoError(cs.To(ClosedState))
		require.NoError(cs.To(ConnectingState))

		require.Len(changes, 6)
		require.Equal([2]ConnState{ReadyState, ClosingState}, changes[3])
	})

	t.Run("Handshake failure returns to disconnected", func(t *testing.T) {
		cs := NewConnStateMgr(l)
		require.NoError(cs.To(ConnectingState))
		require.NoError(cs.To(HandshakeInProgressState))
		require.NoError(cs.To(DisconnectedState))
		require.ErrorIs(cs.To(ReadyState), ErrInvalidTransition)
	})

	t.Run("Invalid transitions", func(t *testing.T) {
		cs := NewConnStateMgr(l)
		require.ErrorIs(cs.To(ReadyState), ErrInvalidTransition)
		require.ErrorIs(cs.To(ClosedState), ErrInvalidTransition)
		require.Equal(DisconnectedState, cs.State())
	})

	t.Run("ToFrom", func(t *testing.T) {
		cs := NewConnStateMgr(l)
		require.False(cs.ToFrom(ClosingState, ReadyState))
		require.True(cs.ToFrom(ConnectingState, DisconnectedState, ClosedState))
		require.Equal(ConnectingState, cs.State())
	})
}

func TestConnStateMgr_WaitState(t *testing.T) {
	require := require.New(t)
	cs := NewConnStateMgr(logger.NewNopMockLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = cs.To(ConnectingState)
		_ = cs.To(HandshakeInProgressState)
		_ = cs.To(ReadyState)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(cs.WaitState(ctx, ReadyState))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	require.ErrorIs(cs.WaitState(ctx2, ClosedState), context.DeadlineExceeded)
}
