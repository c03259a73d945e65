package chartsync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectivityMonitorTransitions(t *testing.T) {
	m := NewConnectivityMonitor(true, testLogger())
	events, cancel := m.Subscribe()
	defer cancel()

	// Repeats of the current state emit nothing.
	m.handle(true)
	m.handle(false)
	m.handle(false)
	m.handle(true)

	assert.Equal(t, WentOffline, receive(t, events))
	assert.Equal(t, WentOnline, receive(t, events))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev)
	default:
	}
	assert.True(t, m.IsOnline())
}

func TestConnectivityMonitorRunManualSignal(t *testing.T) {
	m := NewConnectivityMonitor(true, testLogger())
	sig := NewManualSignal()
	events, cancel := m.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sig) }()

	sig.Set(false)
	assert.Equal(t, WentOffline, receive(t, events))
	assert.False(t, m.IsOnline())

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestFileSignal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "network")
	require.NoError(t, os.WriteFile(path, []byte("online\n"), 0o644))

	m := NewConnectivityMonitor(false, testLogger())
	events, cancel := m.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go m.Run(ctx, &FileSignal{Path: path, Logger: testLogger()})

	assert.Equal(t, WentOnline, receive(t, events), "initial file contents are reported")

	require.NoError(t, os.WriteFile(path, []byte("down"), 0o644))
	assert.Equal(t, WentOffline, receive(t, events))

	require.NoError(t, os.WriteFile(path, []byte("up"), 0o644))
	assert.Equal(t, WentOnline, receive(t, events))

	require.NoError(t, os.Remove(path))
	assert.Equal(t, WentOffline, receive(t, events), "a removed file means offline")
}

func TestParseNetworkStatus(t *testing.T) {
	tests := []struct {
		raw    string
		online bool
		ok     bool
	}{
		{"online", true, true},
		{" UP \n", true, true},
		{"1", true, true},
		{"offline", false, true},
		{"disconnected", false, true},
		{"", false, false},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		online, ok := parseNetworkStatus(tt.raw)
		assert.Equal(t, tt.ok, ok, tt.raw)
		assert.Equal(t, tt.online, online, tt.raw)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster[int]()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	b.Publish(1)
	assert.Equal(t, 1, receive(t, a))
	assert.Equal(t, 1, receive(t, c))

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)

	// A full subscriber never blocks Publish.
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(i)
	}

	b.Close()
	late, _ := b.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
