package chartsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
)

const (
	pathAppointments = "/appointments"

	opAppointmentCreate = "appointment.create"
	opAppointmentUpdate = "appointment.update"
	opAppointmentCancel = "appointment.cancel"
)

// AppointmentsFacade is the scheduling data access API.
type AppointmentsFacade struct {
	d *facadeDeps
}

type appointmentUpdate struct {
	ID    string           `json:"id"`
	Patch AppointmentPatch `json:"patch"`
}

type appointmentRef struct {
	ID string `json:"id"`
}

func appointmentPath(id string) string {
	return pathAppointments + "/" + url.PathEscape(id)
}

func (flt AppointmentFilter) params() map[string]string {
	p := map[string]string{}
	if flt.PatientID != "" {
		p["patientId"] = flt.PatientID
	}
	if flt.ProviderID != "" {
		p["providerId"] = flt.ProviderID
	}
	if flt.Status != "" {
		p["status"] = string(flt.Status)
	}
	return p
}

func (flt AppointmentFilter) match(a Appointment) bool {
	return (flt.PatientID == "" || a.PatientID == flt.PatientID) &&
		(flt.ProviderID == "" || a.ProviderID == flt.ProviderID) &&
		(flt.Status == "" || a.Status == flt.Status)
}

// List returns the appointments matching filter, ordered by start time.
func (f *AppointmentsFacade) List(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	params := filter.params()
	return readThrough(ctx, f.d, readPlan[[]Appointment]{
		key: Fingerprint(pathAppointments, params),
		fetch: func(ctx context.Context) ([]Appointment, error) {
			var out []Appointment
			err := f.d.remote.Do(ctx, http.MethodGet, pathAppointments, params, nil, &out)
			return out, err
		},
		persist: f.persistAll,
		local: func(ctx context.Context) ([]Appointment, error) {
			return f.listLocal(ctx, filter)
		},
	})
}

// Get returns one appointment. A missing record is ErrNotFound when served
// locally, which is always the case for a provisional id.
func (f *AppointmentsFacade) Get(ctx context.Context, id string) (Appointment, error) {
	if IsProvisionalID(id) {
		return f.getLocal(ctx, id)
	}
	path := appointmentPath(id)
	return readThrough(ctx, f.d, readPlan[Appointment]{
		key: Fingerprint(path, nil),
		fetch: func(ctx context.Context) (Appointment, error) {
			var out Appointment
			err := f.d.remote.Do(ctx, http.MethodGet, path, nil, nil, &out)
			return out, err
		},
		persist: func(ctx context.Context, a Appointment) error {
			return storeConfirmed(ctx, f.d, CollectionAppointments, a.ID, a)
		},
		local: func(ctx context.Context) (Appointment, error) {
			return f.getLocal(ctx, id)
		},
	})
}

// Create books an appointment. Offline it is stored as requested under a
// provisional id.
func (f *AppointmentsFacade) Create(ctx context.Context, draft AppointmentDraft) (Appointment, error) {
	return writeThrough(ctx, f.d, writePlan[Appointment]{
		name: opAppointmentCreate,
		remote: func(ctx context.Context) (Appointment, error) {
			return f.create(ctx, draft)
		},
		confirm: func(ctx context.Context, a Appointment) error {
			return PutRecord(ctx, f.d.store, CollectionAppointments, a.ID, a, true)
		},
		offline: func(ctx context.Context) (Appointment, error) {
			a := Appointment{
				ID:         NewProvisionalID(),
				PatientID:  draft.PatientID,
				ProviderID: draft.ProviderID,
				SlotID:     draft.SlotID,
				StartsAt:   draft.StartsAt,
				EndsAt:     draft.EndsAt,
				Reason:     draft.Reason,
				Status:     AppointmentRequested,
			}
			err := storeLocal(ctx, f.d, CollectionAppointments, a.ID, a, NewOperation{
				Type:    opAppointmentCreate,
				Action:  ActionCreate,
				Payload: a,
			})
			return a, err
		},
		invalidate: []string{pathAppointments, pathAvailability},
		liveEvent:  EventAppointmentUpdated,
	})
}

// Update applies patch to an appointment.
func (f *AppointmentsFacade) Update(ctx context.Context, id string, patch AppointmentPatch) (Appointment, error) {
	return writeThrough(ctx, f.d, writePlan[Appointment]{
		name: opAppointmentUpdate,
		remote: func(ctx context.Context) (Appointment, error) {
			var out Appointment
			err := f.d.remote.Do(ctx, http.MethodPatch, appointmentPath(id), nil, patch, &out)
			return out, err
		},
		confirm: func(ctx context.Context, a Appointment) error {
			return PutRecord(ctx, f.d.store, CollectionAppointments, a.ID, a, true)
		},
		offline: func(ctx context.Context) (Appointment, error) {
			rec, err := GetRecord[Appointment](ctx, f.d.store, CollectionAppointments, id)
			if err != nil {
				return Appointment{}, err
			}
			if rec == nil {
				return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
			}
			a := patch.apply(rec.Data)
			err = storeLocal(ctx, f.d, CollectionAppointments, a.ID, a, NewOperation{
				Type:    opAppointmentUpdate,
				Action:  ActionUpdate,
				Payload: appointmentUpdate{ID: id, Patch: patch},
			})
			return a, err
		},
		invalidate: []string{pathAppointments},
		liveEvent:  EventAppointmentUpdated,
		queueOnly:  IsProvisionalID(id),
	})
}

// Cancel cancels an appointment. The record is kept with status cancelled.
func (f *AppointmentsFacade) Cancel(ctx context.Context, id string) (Appointment, error) {
	return writeThrough(ctx, f.d, writePlan[Appointment]{
		name: opAppointmentCancel,
		remote: func(ctx context.Context) (Appointment, error) {
			return f.cancel(ctx, id)
		},
		confirm: func(ctx context.Context, a Appointment) error {
			return PutRecord(ctx, f.d.store, CollectionAppointments, a.ID, a, true)
		},
		offline: func(ctx context.Context) (Appointment, error) {
			rec, err := GetRecord[Appointment](ctx, f.d.store, CollectionAppointments, id)
			if err != nil {
				return Appointment{}, err
			}
			if rec == nil {
				return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
			}
			a := rec.Data
			a.Status = AppointmentCancelled
			err = storeLocal(ctx, f.d, CollectionAppointments, a.ID, a, NewOperation{
				Type:    opAppointmentCancel,
				Action:  ActionDelete,
				Payload: appointmentRef{ID: id},
			})
			return a, err
		},
		invalidate: []string{pathAppointments, pathAvailability},
		liveEvent:  EventAppointmentUpdated,
		queueOnly:  IsProvisionalID(id),
	})
}

// ============================================================================
// Sync routine
// ============================================================================

func (f *AppointmentsFacade) Name() string       { return "appointments" }
func (f *AppointmentsFacade) Collection() string { return CollectionAppointments }

// Push replays one queued scheduling operation.
func (f *AppointmentsFacade) Push(ctx context.Context, op PendingOperation) error {
	switch op.Type {
	case opAppointmentCreate:
		local, err := decodeOp[Appointment](op)
		if err != nil {
			return err
		}
		created, err := f.create(ctx, AppointmentDraft{
			PatientID:  local.PatientID,
			ProviderID: local.ProviderID,
			SlotID:     local.SlotID,
			StartsAt:   local.StartsAt,
			EndsAt:     local.EndsAt,
			Reason:     local.Reason,
		})
		if err != nil {
			return err
		}
		if err := reconcile(ctx, f.d, CollectionAppointments, local.ID, created.ID, created); err != nil {
			return err
		}

	case opAppointmentUpdate:
		u, err := decodeOp[appointmentUpdate](op)
		if err != nil {
			return err
		}
		if err := f.d.awaitCreate(ctx, CollectionAppointments, u.ID); err != nil {
			return err
		}
		var updated Appointment
		if err := f.d.remote.Do(ctx, http.MethodPatch, appointmentPath(u.ID), nil, u.Patch, &updated); err != nil {
			return err
		}
		if err := PutRecord(ctx, f.d.store, CollectionAppointments, updated.ID, updated, true); err != nil {
			return err
		}

	case opAppointmentCancel:
		ref, err := decodeOp[appointmentRef](op)
		if err != nil {
			return err
		}
		if err := f.d.awaitCreate(ctx, CollectionAppointments, ref.ID); err != nil {
			return err
		}
		cancelled, err := f.cancel(ctx, ref.ID)
		if err != nil {
			return err
		}
		if err := PutRecord(ctx, f.d.store, CollectionAppointments, cancelled.ID, cancelled, true); err != nil {
			return err
		}

	default:
		return &RemoteError{Code: "unknown_operation", Message: "unsupported operation " + op.Type}
	}
	f.d.invalidate([]string{pathAppointments})
	return nil
}

// Pull refreshes every appointment visible to the user.
func (f *AppointmentsFacade) Pull(ctx context.Context) error {
	var all []Appointment
	if err := f.d.remote.Do(ctx, http.MethodGet, pathAppointments, nil, nil, &all); err != nil {
		return err
	}
	if err := f.persistAll(ctx, all); err != nil {
		return err
	}
	f.d.invalidate([]string{pathAppointments})
	return nil
}

// Listen keeps local state current from appointment.updated events.
func (f *AppointmentsFacade) Listen(ctx context.Context) {
	listen(ctx, f.d, EventAppointmentUpdated, func(ctx context.Context, ev LiveEvent) error {
		return applyLive(ctx, f.d, ev, CollectionAppointments, func(a Appointment) string { return a.ID }, pathAppointments)
	})
}

// ── helpers ──────────────────────────────────────────────

func (p AppointmentPatch) apply(a Appointment) Appointment {
	if p.StartsAt != nil {
		a.StartsAt = *p.StartsAt
	}
	if p.EndsAt != nil {
		a.EndsAt = *p.EndsAt
	}
	if p.Reason != nil {
		a.Reason = *p.Reason
	}
	if p.Status != nil {
		a.Status = *p.Status
	}
	return a
}

func (f *AppointmentsFacade) create(ctx context.Context, draft AppointmentDraft) (Appointment, error) {
	var out Appointment
	err := f.d.remote.Do(ctx, http.MethodPost, pathAppointments, nil, draft, &out)
	return out, err
}

// cancel deletes remotely. A bodyless answer means the server kept no
// representation, so the local copy is marked cancelled instead.
func (f *AppointmentsFacade) cancel(ctx context.Context, id string) (Appointment, error) {
	var out Appointment
	if err := f.d.remote.Do(ctx, http.MethodDelete, appointmentPath(id), nil, nil, &out); err != nil {
		return Appointment{}, err
	}
	if out.ID != "" {
		return out, nil
	}
	rec, err := GetRecord[Appointment](ctx, f.d.store, CollectionAppointments, id)
	if err != nil || rec == nil {
		return Appointment{ID: id, Status: AppointmentCancelled}, nil
	}
	out = rec.Data
	out.Status = AppointmentCancelled
	return out, nil
}

func (f *AppointmentsFacade) getLocal(ctx context.Context, id string) (Appointment, error) {
	rec, err := GetRecord[Appointment](ctx, f.d.store, CollectionAppointments, id)
	if err != nil {
		return Appointment{}, err
	}
	if rec == nil {
		return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return rec.Data, nil
}

func (f *AppointmentsFacade) persistAll(ctx context.Context, list []Appointment) error {
	for _, a := range list {
		if err := storeConfirmed(ctx, f.d, CollectionAppointments, a.ID, a); err != nil {
			return err
		}
	}
	return nil
}

func (f *AppointmentsFacade) listLocal(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	var (
		recs []StoredRecord[Appointment]
		err  error
	)
	switch {
	case filter.PatientID != "":
		recs, err = ListByIndex[Appointment](ctx, f.d.store, CollectionAppointments, IndexByPatient, filter.PatientID)
	case filter.ProviderID != "":
		recs, err = ListByIndex[Appointment](ctx, f.d.store, CollectionAppointments, IndexByProvider, filter.ProviderID)
	default:
		recs, err = ListRecords[Appointment](ctx, f.d.store, CollectionAppointments)
	}
	if err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(recs))
	for _, r := range recs {
		if filter.match(r.Data) {
			out = append(out, r.Data)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt < out[j].StartsAt })
	return out, nil
}
