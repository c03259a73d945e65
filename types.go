package chartsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrOffline is returned when an operation needs the network and the
	// connectivity monitor reports offline.
	ErrOffline = errors.New("chartsync: offline")
	// ErrTransient marks a remote call that failed for connectivity reasons.
	ErrTransient = errors.New("chartsync: transient network failure")
	// ErrDeferred is returned by a push that must wait for an earlier
	// operation. The queue keeps the operation without counting an attempt.
	ErrDeferred = errors.New("chartsync: operation deferred")
	// ErrStoreUnavailable is returned by every store call after Init failed.
	ErrStoreUnavailable = errors.New("chartsync: local store unavailable")
	// ErrUnknownCollection is returned for a collection that was never registered.
	ErrUnknownCollection = errors.New("chartsync: unknown collection")
	// ErrUnknownIndex is returned for an index that the collection does not declare.
	ErrUnknownIndex = errors.New("chartsync: unknown index")
	// ErrPayloadTooLarge rejects payloads the local store will not persist.
	ErrPayloadTooLarge = errors.New("chartsync: payload too large for local store")
	// ErrNotFound matches remote 404 responses.
	ErrNotFound = errors.New("chartsync: not found")
	// ErrUnauthorized matches AuthError.
	ErrUnauthorized = errors.New("chartsync: unauthorized")
)

// APIError is the error body returned by the remote service.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// RemoteError is a rejection by the remote service (4xx other than auth).
// It is surfaced to callers and never retried automatically.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote rejected request (http %d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote rejected request (http %d): %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// AuthError signals that the credential was rejected. The session has
// already been cleared when callers see it.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authentication failed (http %d)", e.StatusCode)
	}
	return fmt.Sprintf("authentication failed (http %d): %s", e.StatusCode, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// IsTransient reports whether err should be recovered by falling back to
// local state.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrOffline)
}

// ============================================================================
// Store Types
// ============================================================================

// Record is the untyped unit stored in a collection.
type Record struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Synced    bool            `json:"synced"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// StoredRecord is a typed view of a Record.
type StoredRecord[T any] struct {
	Key    string `json:"key"`
	Data   T      `json:"data"`
	Synced bool   `json:"synced"`
}

// IndexSpec declares a secondary index. Field names a top-level JSON field
// of the payload, or SyncedField for the sync flag.
type IndexSpec struct {
	Name  string
	Field string
}

// SyncedField is the pseudo-field that indexes Record.Synced.
const SyncedField = "synced"

// CollectionSchema declares a named partition of records.
type CollectionSchema struct {
	Name    string
	Indexes []IndexSpec
}

func (c CollectionSchema) index(name string) (IndexSpec, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// Collection names.
const (
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionAppointments  = "appointments"
	CollectionSlots         = "availability_slots"
	CollectionPendingOps    = "pending_operations"
	CollectionDeadLetterOps = "pending_operations_dead"
)

// Index names.
const (
	IndexByConversation     = "conversationId"
	IndexByPatient          = "patientId"
	IndexByProvider         = "providerId"
	IndexBySynced           = "synced"
	IndexByTargetCollection = "targetCollection"
)

const (
	defaultMaxPayloadBytes = 256 << 10
	provisionalIDPrefix    = "temp_"
)

// DefaultCollections is the schema every client registers.
func DefaultCollections() []CollectionSchema {
	return []CollectionSchema{
		{Name: CollectionConversations, Indexes: []IndexSpec{{Name: IndexBySynced, Field: SyncedField}}},
		{Name: CollectionMessages, Indexes: []IndexSpec{
			{Name: IndexByConversation, Field: "conversationId"},
			{Name: IndexBySynced, Field: SyncedField},
		}},
		{Name: CollectionAppointments, Indexes: []IndexSpec{
			{Name: IndexByPatient, Field: "patientId"},
			{Name: IndexByProvider, Field: "providerId"},
			{Name: IndexBySynced, Field: SyncedField},
		}},
		{Name: CollectionSlots, Indexes: []IndexSpec{{Name: IndexByProvider, Field: "providerId"}}},
		{Name: CollectionPendingOps, Indexes: []IndexSpec{{Name: IndexByTargetCollection, Field: "targetCollection"}}},
		{Name: CollectionDeadLetterOps, Indexes: []IndexSpec{{Name: IndexByTargetCollection, Field: "targetCollection"}}},
	}
}

// ============================================================================
// Pending Operations
// ============================================================================

// Action is the kind of mutation a pending operation replays.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// PendingOperation is a queued mutation waiting for remote confirmation.
type PendingOperation struct {
	ID               int64           `json:"id"`
	Type             string          `json:"type"`
	Action           Action          `json:"action"`
	TargetCollection string          `json:"targetCollection"`
	Payload          json.RawMessage `json:"payload"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	Attempts         int             `json:"attempts"`
	LastError        string          `json:"lastError,omitempty"`
}

// NewOperation is the caller-supplied part of a PendingOperation.
type NewOperation struct {
	Type             string
	Action           Action
	TargetCollection string
	Payload          any
}

// ============================================================================
// Domain Types
// ============================================================================

// Conversation is a secure-messaging thread between a patient and care staff.
type Conversation struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	ParticipantIDs []string `json:"participantIds,omitempty"`
	LastMessageAt  string   `json:"lastMessageAt,omitempty"`
	UnreadCount    int      `json:"unreadCount"`
}

// Message is a single message within a conversation.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId,omitempty"`
	Content        string `json:"content"`
	CreatedAt      string `json:"createdAt"`
	ReadAt         string `json:"readAt,omitempty"`
}

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentRequested AppointmentStatus = "requested"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booked visit.
type Appointment struct {
	ID         string            `json:"id"`
	PatientID  string            `json:"patientId"`
	ProviderID string            `json:"providerId"`
	SlotID     string            `json:"slotId,omitempty"`
	StartsAt   string            `json:"startsAt"`
	EndsAt     string            `json:"endsAt,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Status     AppointmentStatus `json:"status"`
}

// AppointmentDraft is the input to AppointmentsFacade.Create.
type AppointmentDraft struct {
	PatientID  string `json:"patientId"`
	ProviderID string `json:"providerId"`
	SlotID     string `json:"slotId,omitempty"`
	StartsAt   string `json:"startsAt"`
	EndsAt     string `json:"endsAt,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AppointmentPatch is the input to AppointmentsFacade.Update. Nil fields are
// left untouched.
type AppointmentPatch struct {
	StartsAt *string            `json:"startsAt,omitempty"`
	EndsAt   *string            `json:"endsAt,omitempty"`
	Reason   *string            `json:"reason,omitempty"`
	Status   *AppointmentStatus `json:"status,omitempty"`
}

// AppointmentFilter narrows AppointmentsFacade.List.
type AppointmentFilter struct {
	PatientID  string
	ProviderID string
	Status     AppointmentStatus
}

// AvailabilitySlot is a bookable window on a provider's calendar.
type AvailabilitySlot struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId"`
	StartsAt   string `json:"startsAt"`
	EndsAt     string `json:"endsAt"`
	Available  bool   `json:"available"`
}

// SyncStatus is the sync indicator exposed to UI code.
type SyncStatus struct {
	IsOnline          bool      `json:"isOnline"`
	SyncInProgress    bool      `json:"syncInProgress"`
	PendingOperations int       `json:"pendingOperations"`
	LastSyncAt        time.Time `json:"lastSyncAt,omitempty"`
	LiveChannel       LiveState `json:"liveChannel"`
}
