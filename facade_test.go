package chartsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacades(t *testing.T, online bool) (*facadeDeps, *fakeRemote, *SyncEngine, *MessagesFacade, *AppointmentsFacade, *AvailabilityFacade) {
	t.Helper()
	d, remote := newTestDeps(t, online)
	msgs := &MessagesFacade{d: d}
	appts := &AppointmentsFacade{d: d}
	slots := &AvailabilityFacade{d: d}
	e := NewSyncEngine(d.monitor, d.queue, d.log)
	e.Register(msgs)
	e.Register(appts)
	e.Register(slots)
	return d, remote, e, msgs, appts, slots
}

func queueLen(t *testing.T, d *facadeDeps) int {
	t.Helper()
	n, err := d.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

// ============================================================================
// Reads
// ============================================================================

func TestReadThroughCachesRemoteAnswers(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	remote.reply(http.MethodGet, pathConversations, []Conversation{{ID: "c1", Title: "Dr. Okafor", UnreadCount: 2}})

	for i := 0; i < 2; i++ {
		convs, err := msgs.ListConversations(ctx)
		require.NoError(t, err)
		require.Len(t, convs, 1)
	}
	assert.Equal(t, 1, remote.callCount(http.MethodGet, pathConversations))

	// The answer was persisted as confirmed state.
	rec, err := GetRecord[Conversation](ctx, d.store, CollectionConversations, "c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Synced)
	assert.Equal(t, 2, rec.Data.UnreadCount)
}

func TestReadThroughFallsBackToLocal(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	require.NoError(t, PutRecord(ctx, d.store, CollectionConversations, "c1", Conversation{ID: "c1"}, true))
	remote.fail(http.MethodGet, pathConversations, errUnreachable)

	convs, err := msgs.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Zero(t, d.cache.Len(), "local fallbacks are never cached")
}

func TestReadThroughSurfacesRejections(t *testing.T) {
	_, remote, _, msgs, _, _ := newTestFacades(t, true)
	remote.fail(http.MethodGet, pathConversations, &RemoteError{StatusCode: http.StatusBadRequest, Message: "bad"})

	_, err := msgs.ListConversations(context.Background())
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, http.StatusBadRequest, remoteErr.StatusCode)
}

func TestReadOfflineNeverCallsRemote(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, appts, _ := newTestFacades(t, false)
	require.NoError(t, PutRecord(ctx, d.store, CollectionMessages, "m2", Message{ID: "m2", ConversationID: "c1", CreatedAt: "2026-03-02"}, true))
	require.NoError(t, PutRecord(ctx, d.store, CollectionMessages, "m1", Message{ID: "m1", ConversationID: "c1", CreatedAt: "2026-03-01"}, true))
	require.NoError(t, PutRecord(ctx, d.store, CollectionMessages, "m3", Message{ID: "m3", ConversationID: "c2"}, true))

	list, err := msgs.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m1", list[0].ID, "oldest first")

	_, err = appts.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, remote.totalCalls())
}

func TestAppointmentListLocalFilter(t *testing.T) {
	ctx := context.Background()
	d, _, _, _, appts, _ := newTestFacades(t, false)
	for _, a := range []Appointment{
		{ID: "a1", PatientID: "p1", ProviderID: "dr1", StartsAt: "2026-03-20T10:00:00Z", Status: AppointmentConfirmed},
		{ID: "a2", PatientID: "p1", ProviderID: "dr2", StartsAt: "2026-03-18T10:00:00Z", Status: AppointmentConfirmed},
		{ID: "a3", PatientID: "p1", ProviderID: "dr1", StartsAt: "2026-03-19T10:00:00Z", Status: AppointmentCancelled},
		{ID: "a4", PatientID: "p2", ProviderID: "dr1", StartsAt: "2026-03-17T10:00:00Z", Status: AppointmentConfirmed},
	} {
		require.NoError(t, PutRecord(ctx, d.store, CollectionAppointments, a.ID, a, true))
	}

	list, err := appts.List(ctx, AppointmentFilter{PatientID: "p1", Status: AppointmentConfirmed})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a2", list[0].ID)
	assert.Equal(t, "a1", list[1].ID)

	list, err = appts.List(ctx, AppointmentFilter{ProviderID: "dr1"})
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

// ============================================================================
// Writes
// ============================================================================

func TestSendOnlineInvalidatesConversations(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	remote.reply(http.MethodGet, pathConversations, []Conversation{{ID: "c1"}})
	remote.reply(http.MethodPost, conversationPath("c1"), Message{ID: "m-1", Content: "hi", CreatedAt: "2026-03-14T09:00:00Z"})

	_, err := msgs.ListConversations(ctx)
	require.NoError(t, err)

	m, err := msgs.Send(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, "c1", m.ConversationID)
	assert.Zero(t, queueLen(t, d))

	rec, err := GetRecord[Message](ctx, d.store, CollectionMessages, "m-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Synced)

	_, err = msgs.ListConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remote.callCount(http.MethodGet, pathConversations))
}

func TestSendOnlineRejectionIsNotQueued(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	remote.fail(http.MethodPost, conversationPath("c1"), &RemoteError{StatusCode: 422, Message: "conversation closed"})

	_, err := msgs.Send(ctx, "c1", "hi")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Zero(t, queueLen(t, d))

	all, err := d.store.GetAll(ctx, CollectionMessages)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSendUnreachableIsQueued(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	remote.fail(http.MethodPost, conversationPath("c1"), errUnreachable)

	m, err := msgs.Send(ctx, "c1", "hi")
	require.NoError(t, err)
	assert.True(t, IsProvisionalID(m.ID))
	assert.Equal(t, 1, queueLen(t, d))
}

func TestOfflineSendReconcilesOnSync(t *testing.T) {
	ctx := context.Background()
	d, remote, e, msgs, _, _ := newTestFacades(t, false)

	m, err := msgs.Send(ctx, "c1", "running late")
	require.NoError(t, err)
	require.True(t, IsProvisionalID(m.ID))
	assert.Equal(t, "patient-1", m.SenderID)
	assert.Equal(t, "2026-03-14T09:00:00Z", m.CreatedAt)
	assert.Zero(t, remote.totalCalls())

	local, err := msgs.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, local, 1)

	rec, err := GetRecord[Message](ctx, d.store, CollectionMessages, m.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(t, rec.Synced)

	server := Message{ID: "m-77", ConversationID: "c1", SenderID: "patient-1", Content: "running late", CreatedAt: "2026-03-14T09:01:00Z"}
	remote.handle(http.MethodPost, conversationPath("c1"), func(_ map[string]string, body json.RawMessage) (any, error) {
		var req sendMessageBody
		if err := json.Unmarshal(body, &req); err != nil || req.Content != "running late" {
			return nil, &RemoteError{StatusCode: http.StatusBadRequest, Message: "unexpected body"}
		}
		return server, nil
	})
	remote.reply(http.MethodGet, pathConversations, []Conversation{{ID: "c1"}})
	remote.reply(http.MethodGet, conversationPath("c1"), []Message{server})

	d.monitor.handle(true)
	require.True(t, e.SyncAll(ctx))

	assert.Zero(t, queueLen(t, d))
	gone, err := d.store.Get(ctx, CollectionMessages, m.ID)
	require.NoError(t, err)
	assert.Nil(t, gone, "provisional record is replaced")

	confirmed, err := GetRecord[Message](ctx, d.store, CollectionMessages, "m-77")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.True(t, confirmed.Synced)
}

func TestOfflineCreateThenUpdateFollowsServerID(t *testing.T) {
	ctx := context.Background()
	d, remote, e, _, appts, _ := newTestFacades(t, false)

	a, err := appts.Create(ctx, AppointmentDraft{PatientID: "p1", ProviderID: "dr1", StartsAt: "2026-04-01T10:00:00Z"})
	require.NoError(t, err)
	require.True(t, IsProvisionalID(a.ID))
	assert.Equal(t, AppointmentRequested, a.Status)

	reason := "follow-up on lab results"
	updated, err := appts.Update(ctx, a.ID, AppointmentPatch{Reason: &reason})
	require.NoError(t, err)
	assert.Equal(t, reason, updated.Reason)
	assert.Equal(t, 2, queueLen(t, d))

	serverAppt := Appointment{ID: "a-100", PatientID: "p1", ProviderID: "dr1", StartsAt: "2026-04-01T10:00:00Z", Status: AppointmentConfirmed}
	remote.reply(http.MethodPost, pathAppointments, serverAppt)
	remote.handle(http.MethodPatch, appointmentPath("a-100"), func(_ map[string]string, body json.RawMessage) (any, error) {
		var patch AppointmentPatch
		if err := json.Unmarshal(body, &patch); err != nil {
			return nil, err
		}
		return patch.apply(serverAppt), nil
	})
	remote.handle(http.MethodGet, pathAppointments, func(map[string]string, json.RawMessage) (any, error) {
		withReason := serverAppt
		withReason.Reason = reason
		return []Appointment{withReason}, nil
	})
	remote.reply(http.MethodGet, pathConversations, []Conversation{})

	d.monitor.handle(true)
	require.True(t, e.SyncAll(ctx))

	assert.Zero(t, queueLen(t, d))
	assert.Equal(t, 1, remote.callCount(http.MethodPatch, appointmentPath("a-100")))
	assert.Zero(t, remote.callCount(http.MethodPatch, appointmentPath(a.ID)), "the provisional id never reaches the server")

	rec, err := GetRecord[Appointment](ctx, d.store, CollectionAppointments, "a-100")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Synced)
	assert.Equal(t, reason, rec.Data.Reason)
}

func TestDeleteProvisionalMessage(t *testing.T) {
	ctx := context.Background()
	d, remote, e, msgs, _, _ := newTestFacades(t, false)

	m, err := msgs.Send(ctx, "c1", "oops")
	require.NoError(t, err)
	require.Equal(t, 1, queueLen(t, d))

	// Back online, but the server has never seen this id.
	d.monitor.handle(true)
	require.NoError(t, msgs.Delete(ctx, m.ID))
	assert.Zero(t, remote.totalCalls())
	assert.Zero(t, queueLen(t, d), "the queued send is withdrawn")

	remote.reply(http.MethodGet, pathConversations, []Conversation{})
	remote.reply(http.MethodGet, pathAppointments, []Appointment{})
	require.True(t, e.SyncAll(ctx))
	assert.Zero(t, remote.callCount(http.MethodPost, conversationPath("c1")))

	all, err := d.store.GetAll(ctx, CollectionMessages)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDeleteAfterFailedSendPush(t *testing.T) {
	ctx := context.Background()
	d, remote, e, msgs, _, _ := newTestFacades(t, false)
	remote.reply(http.MethodGet, pathConversations, []Conversation{})
	remote.reply(http.MethodGet, pathAppointments, []Appointment{})

	m, err := msgs.Send(ctx, "c1", "wrong chat")
	require.NoError(t, err)

	remote.fail(http.MethodPost, conversationPath("c1"), errUnreachable)
	d.monitor.handle(true)
	require.True(t, e.SyncAll(ctx))
	require.Equal(t, 1, queueLen(t, d), "the send survives a transient failure")

	require.NoError(t, msgs.Delete(ctx, m.ID))
	assert.Zero(t, queueLen(t, d))

	remote.reply(http.MethodPost, conversationPath("c1"), Message{ID: "m-8", ConversationID: "c1", Content: "wrong chat"})
	require.True(t, e.SyncAll(ctx))

	assert.Equal(t, 1, remote.callCount(http.MethodPost, conversationPath("c1")), "only the failed attempt reached the server")
	all, err := d.store.GetAll(ctx, CollectionMessages)
	require.NoError(t, err)
	assert.Empty(t, all, "the deleted message does not come back")
}

func TestQueuedDeleteWaitsForSend(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, false)

	m, err := msgs.Send(ctx, "c1", "hello")
	require.NoError(t, err)
	ops, err := d.queue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	del := PendingOperation{
		ID:               99,
		Type:             opMessageDelete,
		Action:           ActionDelete,
		TargetCollection: CollectionMessages,
		Payload:          json.RawMessage(`{"id":"` + m.ID + `"}`),
	}
	assert.ErrorIs(t, msgs.Push(ctx, del), ErrDeferred)

	require.NoError(t, d.queue.Remove(ctx, ops[0].ID))
	var remoteErr *RemoteError
	assert.ErrorAs(t, msgs.Push(ctx, del), &remoteErr, "without a pending send the delete is orphaned")
	assert.Zero(t, remote.totalCalls())
}

func TestUpdateAfterFailedCreatePush(t *testing.T) {
	ctx := context.Background()
	d, remote, e, _, appts, _ := newTestFacades(t, false)
	remote.reply(http.MethodGet, pathConversations, []Conversation{})
	remote.reply(http.MethodGet, pathAppointments, []Appointment{})

	a, err := appts.Create(ctx, AppointmentDraft{PatientID: "p1", ProviderID: "dr1"})
	require.NoError(t, err)
	reason := "annual physical"
	_, err = appts.Update(ctx, a.ID, AppointmentPatch{Reason: &reason})
	require.NoError(t, err)

	remote.fail(http.MethodPost, pathAppointments, errUnreachable)
	d.monitor.handle(true)
	require.True(t, e.SyncAll(ctx))

	ops, err := d.queue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Zero(t, ops[1].Attempts, "the update waits without spending attempts")
	dead, err := d.queue.ListDead(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.Zero(t, remote.callCount(http.MethodPatch, appointmentPath(a.ID)))

	serverAppt := Appointment{ID: "a-200", PatientID: "p1", ProviderID: "dr1", Status: AppointmentConfirmed}
	remote.reply(http.MethodPost, pathAppointments, serverAppt)
	remote.handle(http.MethodPatch, appointmentPath("a-200"), func(_ map[string]string, body json.RawMessage) (any, error) {
		var patch AppointmentPatch
		if err := json.Unmarshal(body, &patch); err != nil {
			return nil, err
		}
		return patch.apply(serverAppt), nil
	})
	require.True(t, e.SyncAll(ctx))

	assert.Zero(t, queueLen(t, d))
	assert.Equal(t, 1, remote.callCount(http.MethodPatch, appointmentPath("a-200")))
	assert.Zero(t, remote.callCount(http.MethodPatch, appointmentPath(a.ID)))

	rec, err := GetRecord[Appointment](ctx, d.store, CollectionAppointments, "a-200")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, reason, rec.Data.Reason)
}

func TestCancelAfterRejectedCreate(t *testing.T) {
	ctx := context.Background()
	d, remote, e, _, appts, _ := newTestFacades(t, false)
	remote.reply(http.MethodGet, pathConversations, []Conversation{})
	remote.reply(http.MethodGet, pathAppointments, []Appointment{})

	a, err := appts.Create(ctx, AppointmentDraft{PatientID: "p1", ProviderID: "dr1", SlotID: "s1"})
	require.NoError(t, err)
	_, err = appts.Cancel(ctx, a.ID)
	require.NoError(t, err)

	remote.fail(http.MethodPost, pathAppointments, &RemoteError{StatusCode: http.StatusConflict, Code: "slot_taken"})
	d.monitor.handle(true)
	require.True(t, e.SyncAll(ctx))

	assert.Zero(t, queueLen(t, d))
	dead, err := d.queue.ListDead(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 2, "the cancel follows its create into the dead letters")
	assert.Equal(t, opAppointmentCreate, dead[0].Type)
	assert.Equal(t, opAppointmentCancel, dead[1].Type)
	assert.Zero(t, remote.callCount(http.MethodDelete, appointmentPath(a.ID)))
}

func TestGetProvisionalAppointmentOnline(t *testing.T) {
	ctx := context.Background()
	d, remote, _, _, appts, _ := newTestFacades(t, false)

	a, err := appts.Create(ctx, AppointmentDraft{PatientID: "p1", ProviderID: "dr1"})
	require.NoError(t, err)

	d.monitor.handle(true)
	got, err := appts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, AppointmentRequested, got.Status)
	assert.Zero(t, remote.totalCalls())

	_, err = appts.Get(ctx, NewProvisionalID())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkReadOffline(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, false)
	require.NoError(t, PutRecord(ctx, d.store, CollectionConversations, "c1", Conversation{ID: "c1", UnreadCount: 3}, true))
	require.NoError(t, PutRecord(ctx, d.store, CollectionMessages, "m1", Message{ID: "m1", ConversationID: "c1"}, true))

	require.NoError(t, msgs.MarkRead(ctx, "c1"))

	conv, err := GetRecord[Conversation](ctx, d.store, CollectionConversations, "c1")
	require.NoError(t, err)
	assert.Zero(t, conv.Data.UnreadCount)
	assert.False(t, conv.Synced)

	m, err := GetRecord[Message](ctx, d.store, CollectionMessages, "m1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14T09:00:00Z", m.Data.ReadAt)
	assert.False(t, m.Synced)

	ops, err := d.queue.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, opMessageRead, ops[0].Type)
	assert.Equal(t, CollectionMessages, ops[0].TargetCollection)
	assert.Zero(t, remote.totalCalls())
}

func TestCancelWithoutResponseBody(t *testing.T) {
	ctx := context.Background()
	d, remote, _, _, appts, _ := newTestFacades(t, true)
	require.NoError(t, PutRecord(ctx, d.store, CollectionAppointments, "a1",
		Appointment{ID: "a1", PatientID: "p1", ProviderID: "dr1", Status: AppointmentConfirmed}, true))
	remote.reply(http.MethodDelete, appointmentPath("a1"), nil)

	a, err := appts.Cancel(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, a.Status)
	assert.Equal(t, "p1", a.PatientID)

	rec, err := GetRecord[Appointment](ctx, d.store, CollectionAppointments, "a1")
	require.NoError(t, err)
	assert.Equal(t, AppointmentCancelled, rec.Data.Status)
	assert.True(t, rec.Synced)
}

// ============================================================================
// Pull and live events
// ============================================================================

func TestPullKeepsUnsyncedLocalChanges(t *testing.T) {
	ctx := context.Background()
	d, remote, _, msgs, _, _ := newTestFacades(t, true)
	require.NoError(t, PutRecord(ctx, d.store, CollectionMessages, "m1", Message{ID: "m1", ConversationID: "c1", Content: "local"}, false))
	remote.reply(http.MethodGet, pathConversations, []Conversation{{ID: "c1"}})
	remote.reply(http.MethodGet, conversationPath("c1"), []Message{
		{ID: "m1", ConversationID: "c1", Content: "server"},
		{ID: "m2", ConversationID: "c1", Content: "new"},
	})

	require.NoError(t, msgs.Pull(ctx))

	m1, err := GetRecord[Message](ctx, d.store, CollectionMessages, "m1")
	require.NoError(t, err)
	assert.Equal(t, "local", m1.Data.Content)
	assert.False(t, m1.Synced)

	m2, err := GetRecord[Message](ctx, d.store, CollectionMessages, "m2")
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.True(t, m2.Synced)
}

func TestApplyLiveEvent(t *testing.T) {
	ctx := context.Background()
	d, _, _, _, _, _ := newTestFacades(t, true)
	d.cache.Set(Fingerprint(pathAppointments, nil), []Appointment{}, 0)

	ev := LiveEvent{Type: EventAppointmentUpdated, Data: json.RawMessage(`{"id":"a1","patientId":"p1","providerId":"dr1","status":"confirmed"}`)}
	require.NoError(t, applyLive(ctx, d, ev, CollectionAppointments, func(a Appointment) string { return a.ID }, pathAppointments))

	rec, err := GetRecord[Appointment](ctx, d.store, CollectionAppointments, "a1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Synced)
	assert.Zero(t, d.cache.Len())

	bad := LiveEvent{Type: EventAppointmentUpdated, Data: json.RawMessage(`{"status":"confirmed"}`)}
	assert.Error(t, applyLive(ctx, d, bad, CollectionAppointments, func(a Appointment) string { return a.ID }))
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()
	d, remote, _, _, _, slots := newTestFacades(t, true)
	remote.handle(http.MethodGet, pathAvailability, func(q map[string]string, _ json.RawMessage) (any, error) {
		if q["providerId"] != "dr1" {
			return []AvailabilitySlot{}, nil
		}
		return []AvailabilitySlot{
			{ID: "s2", ProviderID: "dr1", StartsAt: "2026-03-14T11:00:00Z", Available: true},
			{ID: "s1", ProviderID: "dr1", StartsAt: "2026-03-14T10:00:00Z", Available: true},
		}, nil
	})

	list, err := slots.ListSlots(ctx, "dr1", "2026-03-14")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].ID)

	require.NoError(t, PutRecord(ctx, d.store, CollectionSlots, "s9", AvailabilitySlot{ID: "s9", ProviderID: "dr1", StartsAt: "2026-03-15T10:00:00Z"}, true))
	d.monitor.handle(false)
	d.cache.Invalidate("")
	list, err = slots.ListSlots(ctx, "dr1", "2026-03-14")
	require.NoError(t, err)
	assert.Len(t, list, 2, "offline reads filter by day")

	// Pull refreshes every queried day.
	d.monitor.handle(true)
	before := remote.callCount(http.MethodGet, pathAvailability)
	require.NoError(t, slots.Pull(ctx))
	assert.Equal(t, before+1, remote.callCount(http.MethodGet, pathAvailability))

	var remoteErr *RemoteError
	assert.True(t, errors.As(slots.Push(ctx, PendingOperation{Type: "slot.book"}), &remoteErr))
}
