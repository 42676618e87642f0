package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleHandlerColorizesByLevel(t *testing.T) {
	var buf bytes.Buffer
	h := NewConsoleHandler(&buf)

	r := slog.NewRecord(time.Now(), slog.LevelError, "something broke", 0)
	require.NoError(t, h.Handle(context.Background(), r))

	out := buf.String()
	assert.Contains(t, out, Red)
	assert.Contains(t, out, "something broke")
}

func TestEventHandlerBroadcastsToSubscribers(t *testing.T) {
	h := NewEventHandler()
	sub := h.Subscribe()

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "download started", 0)
	r.AddAttrs(slog.String("id", "abc"))
	require.NoError(t, h.Handle(context.Background(), r))

	select {
	case entry := <-sub:
		assert.Equal(t, "download started", entry.Message)
		assert.Equal(t, "INFO", entry.Level)
		assert.Equal(t, "abc", entry.Data["id"])
	default:
		t.Fatal("expected a broadcast entry")
	}
}

func TestEventHandlerDropsWhenSubscriberBufferFull(t *testing.T) {
	h := NewEventHandler()
	sub := h.Subscribe()

	for i := 0; i < 100; i++ {
		r := slog.NewRecord(time.Now(), slog.LevelInfo, "spam", 0)
		require.NoError(t, h.Handle(context.Background(), r))
	}

	count := 0
	for {
		select {
		case <-sub:
			count++
		default:
			assert.LessOrEqual(t, count, 64)
			return
		}
	}
}

func TestFanoutHandlerDispatchesToEveryHandler(t *testing.T) {
	var buf bytes.Buffer
	console := NewConsoleHandler(&buf)
	events := NewEventHandler()
	sub := events.Subscribe()

	fanout := &FanoutHandler{handlers: []slog.Handler{console, events}}
	r := slog.NewRecord(time.Now(), slog.LevelWarn, "disk nearly full", 0)
	require.NoError(t, fanout.Handle(context.Background(), r))

	assert.True(t, strings.Contains(buf.String(), "disk nearly full"))
	select {
	case entry := <-sub:
		assert.Equal(t, "disk nearly full", entry.Message)
	default:
		t.Fatal("event handler should have received the record too")
	}
}

func TestFanoutHandlerEnabledIfAnyHandlerEnabled(t *testing.T) {
	fanout := &FanoutHandler{handlers: []slog.Handler{NewEventHandler()}}
	assert.True(t, fanout.Enabled(context.Background(), slog.LevelDebug))
}
