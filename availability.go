package chartsync

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
)

const pathAvailability = "/availability"

// AvailabilityFacade is the read-only provider availability API.
type AvailabilityFacade struct {
	d *facadeDeps

	mu      sync.Mutex
	watched map[slotQuery]struct{}
}

type slotQuery struct {
	providerID string
	date       string
}

func (q slotQuery) params() map[string]string {
	return map[string]string{"providerId": q.providerID, "date": q.date}
}

// ListSlots returns a provider's slots on date (YYYY-MM-DD), ordered by
// start time. Queried days are refreshed on every sync.
func (f *AvailabilityFacade) ListSlots(ctx context.Context, providerID, date string) ([]AvailabilitySlot, error) {
	q := slotQuery{providerID: providerID, date: date}
	f.watch(q)
	return readThrough(ctx, f.d, readPlan[[]AvailabilitySlot]{
		key:     Fingerprint(pathAvailability, q.params()),
		fetch:   func(ctx context.Context) ([]AvailabilitySlot, error) { return f.fetch(ctx, q) },
		persist: f.persist,
		local: func(ctx context.Context) ([]AvailabilitySlot, error) {
			recs, err := ListByIndex[AvailabilitySlot](ctx, f.d.store, CollectionSlots, IndexByProvider, providerID)
			if err != nil {
				return nil, err
			}
			out := make([]AvailabilitySlot, 0, len(recs))
			for _, r := range recs {
				if strings.HasPrefix(r.Data.StartsAt, date) {
					out = append(out, r.Data)
				}
			}
			sortSlots(out)
			return out, nil
		},
	})
}

func (f *AvailabilityFacade) Name() string       { return "availability" }
func (f *AvailabilityFacade) Collection() string { return CollectionSlots }

// Push never runs: availability is never written locally.
func (f *AvailabilityFacade) Push(ctx context.Context, op PendingOperation) error {
	return &RemoteError{Code: "unknown_operation", Message: "availability is read-only"}
}

// Pull refreshes every provider day that has been queried.
func (f *AvailabilityFacade) Pull(ctx context.Context) error {
	f.mu.Lock()
	queries := make([]slotQuery, 0, len(f.watched))
	for q := range f.watched {
		queries = append(queries, q)
	}
	f.mu.Unlock()

	for _, q := range queries {
		slots, err := f.fetch(ctx, q)
		if err != nil {
			return err
		}
		if err := f.persist(ctx, slots); err != nil {
			return err
		}
	}
	if len(queries) > 0 {
		f.d.invalidate([]string{pathAvailability})
	}
	return nil
}

// Listen keeps local state current from slot.updated events.
func (f *AvailabilityFacade) Listen(ctx context.Context) {
	listen(ctx, f.d, EventSlotUpdated, func(ctx context.Context, ev LiveEvent) error {
		return applyLive(ctx, f.d, ev, CollectionSlots, func(s AvailabilitySlot) string { return s.ID }, pathAvailability)
	})
}

func (f *AvailabilityFacade) watch(q slotQuery) {
	f.mu.Lock()
	if f.watched == nil {
		f.watched = make(map[slotQuery]struct{})
	}
	f.watched[q] = struct{}{}
	f.mu.Unlock()
}

func (f *AvailabilityFacade) fetch(ctx context.Context, q slotQuery) ([]AvailabilitySlot, error) {
	var out []AvailabilitySlot
	err := f.d.remote.Do(ctx, http.MethodGet, pathAvailability, q.params(), nil, &out)
	sortSlots(out)
	return out, err
}

func (f *AvailabilityFacade) persist(ctx context.Context, slots []AvailabilitySlot) error {
	for _, s := range slots {
		if err := PutRecord(ctx, f.d.store, CollectionSlots, s.ID, s, true); err != nil {
			return err
		}
	}
	return nil
}

func sortSlots(slots []AvailabilitySlot) {
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].StartsAt < slots[j].StartsAt })
}
