package chartsync

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSyncsWhenNetworkReturns(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(DefaultCollections()...)
	remote := newFakeRemote()
	sig := NewManualSignal()

	client := NewClient(
		WithStore(store),
		WithRemote(remote),
		WithNetworkSignal(sig, false),
		WithLogger(testLogger()),
		WithUserID("patient-1"),
		WithLiveChannel(false, time.Hour),
	)
	require.Nil(t, client.Live)
	require.NoError(t, client.Start(ctx))
	defer client.Close()

	m, err := client.Messages.Send(ctx, "c1", "refill please")
	require.NoError(t, err)
	require.True(t, IsProvisionalID(m.ID))

	st := client.SyncStatus(ctx)
	assert.False(t, st.IsOnline)
	assert.Equal(t, 1, st.PendingOperations)
	assert.Equal(t, LiveDisconnected, st.LiveChannel)
	assert.False(t, client.ForceSync(ctx), "no sync while offline")

	remote.reply(http.MethodPost, conversationPath("c1"), Message{ID: "m-9", ConversationID: "c1", Content: "refill please"})
	remote.reply(http.MethodGet, pathConversations, []Conversation{})
	remote.reply(http.MethodGet, pathAppointments, []Appointment{})

	sig.Set(true)
	require.Eventually(t, func() bool {
		return client.SyncStatus(ctx).PendingOperations == 0
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := GetRecord[Message](ctx, client.Store(), CollectionMessages, "m-9")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Synced)
}

func TestClientStartTwice(t *testing.T) {
	client := NewClient(
		WithStore(NewMemoryStore(DefaultCollections()...)),
		WithRemote(newFakeRemote()),
		WithLogger(testLogger()),
		WithLiveChannel(false, time.Hour),
		WithAutoSync(false),
	)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()
	assert.Error(t, client.Start(context.Background()))
}

func TestClientRunsRemoteOnlyWithoutStore(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.reply(http.MethodGet, pathConversations, []Conversation{{ID: "c1"}})

	client := NewClient(
		WithDatabase(filepath.Join(t.TempDir(), "missing", "chartsync.db")),
		WithRemote(remote),
		WithLogger(testLogger()),
		WithLiveChannel(false, time.Hour),
		WithAutoSync(false),
	)
	require.NoError(t, client.Start(ctx), "an unavailable store is not fatal")
	defer client.Close()

	convs, err := client.Messages.ListConversations(ctx)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestClientDropsLiveChannelWhenOffline(t *testing.T) {
	ctx := context.Background()
	srv := newLiveServer(t, nil)
	sig := NewManualSignal()

	client := NewClient(
		WithBaseURL(srv.URL),
		WithCredentials(NewStaticCredentials("tok")),
		WithStore(NewMemoryStore(DefaultCollections()...)),
		WithRemote(newFakeRemote()),
		WithNetworkSignal(sig, true),
		WithLogger(testLogger()),
		WithAutoSync(false),
	)
	require.NoError(t, client.Start(ctx))
	defer client.Close()
	require.Equal(t, LiveConnected, client.Live.State())

	sig.Set(false)
	require.Eventually(t, func() bool {
		return client.Live.State() == LiveDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	// A deliberate disconnect schedules no reconnect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.accepted.Load())
	assert.Equal(t, LiveDisconnected, client.Live.State())
}
