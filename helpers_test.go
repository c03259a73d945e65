package chartsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRoute answers one "METHOD path" pair. body is the decoded request
// body (nil when there was none). The returned value is round-tripped
// through JSON into the caller's out.
type fakeRoute func(query map[string]string, body json.RawMessage) (any, error)

type fakeCall struct {
	Method string
	Path   string
	Query  map[string]string
	Body   json.RawMessage
}

// fakeRemote is an in-process RemoteAPI. Unrouted requests get a 404.
type fakeRemote struct {
	mu     sync.Mutex
	routes map[string]fakeRoute
	calls  []fakeCall
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{routes: make(map[string]fakeRoute)}
}

func (f *fakeRemote) handle(method, path string, route fakeRoute) {
	f.mu.Lock()
	f.routes[method+" "+path] = route
	f.mu.Unlock()
}

func (f *fakeRemote) reply(method, path string, v any) {
	f.handle(method, path, func(map[string]string, json.RawMessage) (any, error) { return v, nil })
}

func (f *fakeRemote) fail(method, path string, err error) {
	f.handle(method, path, func(map[string]string, json.RawMessage) (any, error) { return nil, err })
}

func (f *fakeRemote) Do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = data
	}
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{Method: method, Path: path, Query: query, Body: raw})
	route, ok := f.routes[method+" "+path]
	f.mu.Unlock()
	if !ok {
		return &RemoteError{StatusCode: http.StatusNotFound, Message: "no route " + method + " " + path}
	}
	v, err := route(query, raw)
	if err != nil {
		return err
	}
	if out == nil || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (f *fakeRemote) callCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (f *fakeRemote) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var errUnreachable = fmt.Errorf("%w: connection refused", ErrTransient)

// newTestDeps wires facade dependencies over a memory store and a fake
// remote. The monitor starts in the given state.
func newTestDeps(t *testing.T, online bool) (*facadeDeps, *fakeRemote) {
	t.Helper()
	store := NewMemoryStore(DefaultCollections()...)
	require.NoError(t, store.Init(context.Background()))
	remote := newFakeRemote()
	logger := testLogger()
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return &facadeDeps{
		store:    store,
		cache:    NewResponseCache(time.Minute),
		remote:   remote,
		monitor:  NewConnectivityMonitor(online, logger),
		queue:    NewPendingQueue(store, DefaultMaxAttempts, logger),
		log:      logger,
		cacheTTL: time.Minute,
		userID:   "patient-1",
		now:      func() time.Time { return clock },
	}, remote
}

// receive waits for one value from ch.
func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}
