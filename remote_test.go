package chartsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRemote(url string, creds CredentialSource) *HTTPRemote {
	return NewHTTPRemote(url, creds,
		WithRemoteRetries(2, time.Millisecond, 5*time.Millisecond),
		WithRemoteLogger(testLogger()),
	)
}

func TestHTTPRemoteRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/appointments", r.URL.Path)
		assert.Equal(t, "p1", r.URL.Query().Get("patientId"))
		assert.False(t, r.URL.Query().Has("status"), "empty params are omitted")
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))

		var draft AppointmentDraft
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&draft))
		json.NewEncoder(w).Encode(Appointment{ID: "a1", PatientID: draft.PatientID, Status: AppointmentRequested})
	}))
	defer srv.Close()

	r := newTestRemote(srv.URL+"/", NewStaticCredentials("tok"))
	assert.Equal(t, srv.URL, r.BaseURL())

	var out Appointment
	err := r.Do(context.Background(), http.MethodPost, "/appointments",
		map[string]string{"patientId": "p1", "status": ""},
		AppointmentDraft{PatientID: "p1"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "a1", out.ID)
	assert.Equal(t, "p1", out.PatientID)
}

func TestHTTPRemoteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	var out []Conversation
	require.NoError(t, newTestRemote(srv.URL, nil).Do(context.Background(), http.MethodGet, "/messages/conversations", nil, nil, &out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPRemoteClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "NotFound",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNotFound)
				assert.False(t, IsTransient(err))
			},
		},
		{
			name:   "Rejection",
			status: http.StatusUnprocessableEntity,
			body:   `{"code":"slot_taken","message":"slot already booked"}`,
			check: func(t *testing.T, err error) {
				var remoteErr *RemoteError
				require.ErrorAs(t, err, &remoteErr)
				assert.Equal(t, "slot_taken", remoteErr.Code)
				assert.Equal(t, "slot already booked", remoteErr.Message)
				assert.NotErrorIs(t, err, ErrNotFound)
			},
		},
		{
			name:   "ServerErrorAfterRetries",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransient)
				assert.True(t, IsTransient(err))
			},
		},
		{
			name:   "RateLimited",
			status: http.StatusTooManyRequests,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrTransient)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestRemote(srv.URL, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestHTTPRemoteAuthFailureClearsCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"token_expired","message":"session expired"}`))
	}))
	defer srv.Close()

	creds := NewStaticCredentials("stale")
	err := newTestRemote(srv.URL, creds).Do(context.Background(), http.MethodGet, "/appointments", nil, nil, nil)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "session expired", authErr.Message)
	assert.Empty(t, creds.Token())
	assert.Equal(t, int32(1), calls.Load(), "auth failures are not retried")
}

func TestHTTPRemoteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestRemote(url, nil).Do(context.Background(), http.MethodGet, "/x", nil, nil, nil)
	assert.ErrorIs(t, err, ErrTransient)
}

func TestHTTPRemoteContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestRemote(srv.URL, nil).Do(ctx, http.MethodGet, "/x", nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestRetryDelay(t *testing.T) {
	r := NewHTTPRemote("http://x", nil, WithRemoteRetries(3, 100*time.Millisecond, time.Second))
	assert.Equal(t, 100*time.Millisecond, r.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, r.retryDelay(2, ""))
	assert.Equal(t, 400*time.Millisecond, r.retryDelay(3, ""))
	assert.Equal(t, time.Second, r.retryDelay(10, ""))
	assert.Equal(t, time.Second, r.retryDelay(1, "30"), "Retry-After is capped")

	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}
