package review

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs
// the test suite and local development; the durable implementation lives in
// internal/store/pg.
type InMemory struct {
	mu          sync.RWMutex
	prefs       map[string]Preference                  // org id -> preference
	vendorPrefs map[string]map[string]VendorPreference // org id -> vendor id -> pref
	integrated  map[string]map[string]struct{}         // org id -> vendor ids
	reviews     map[string]Review
	scopes      map[string]VendorScope
	objects     map[string]AccountObject
	events      []UserEvent
	users       map[string]User
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		prefs:       make(map[string]Preference),
		vendorPrefs: make(map[string]map[string]VendorPreference),
		integrated:  make(map[string]map[string]struct{}),
		reviews:     make(map[string]Review),
		scopes:      make(map[string]VendorScope),
		objects:     make(map[string]AccountObject),
		users:       make(map[string]User),
	}
}

func (s *InMemory) Preferences(ctx context.Context) PreferenceStore { return memPrefs{s} }
func (s *InMemory) Reviews(ctx context.Context) ReviewStore         { return memReviews{s} }
func (s *InMemory) Scopes(ctx context.Context) ScopeStore           { return memScopes{s} }
func (s *InMemory) Objects(ctx context.Context) ObjectStore         { return memObjects{s} }
func (s *InMemory) Events(ctx context.Context) EventStore           { return memEvents{s} }
func (s *InMemory) Users(ctx context.Context) UserStore             { return memUsers{s} }

// SeedUser registers a user for reviewer resolution.
func (s *InMemory) SeedUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// SeedIntegration marks a vendor as having an active integration
// connection for the organization.
func (s *InMemory) SeedIntegration(orgID, vendorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.integrated[orgID]
	if !ok {
		set = make(map[string]struct{})
		s.integrated[orgID] = set
	}
	set[vendorID] = struct{}{}
}

// --- preferences ---

type memPrefs struct{ s *InMemory }

func (m memPrefs) Get(ctx context.Context, orgID string) (Preference, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	pref, ok := m.s.prefs[orgID]
	if !ok {
		return Preference{}, ErrNotConfigured
	}
	return pref, nil
}

func (m memPrefs) Upsert(ctx context.Context, pref Preference) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.prefs[pref.OrganizationID] = pref
	return nil
}

func (m memPrefs) ListVendorPreferences(ctx context.Context, orgID string) ([]VendorPreference, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []VendorPreference
	for _, pref := range m.s.vendorPrefs[orgID] {
		pref.ReviewerIDs = append([]string(nil), pref.ReviewerIDs...)
		out = append(out, pref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VendorID < out[j].VendorID })
	return out, nil
}

func (m memPrefs) UpsertVendorPreference(ctx context.Context, pref VendorPreference) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	byVendor, ok := m.s.vendorPrefs[pref.OrganizationID]
	if !ok {
		byVendor = make(map[string]VendorPreference)
		m.s.vendorPrefs[pref.OrganizationID] = byVendor
	}
	pref.ReviewerIDs = append([]string(nil), pref.ReviewerIDs...)
	byVendor[pref.VendorID] = pref
	return nil
}

func (m memPrefs) IntegratedVendorIDs(ctx context.Context, orgID string) (map[string]struct{}, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make(map[string]struct{}, len(m.s.integrated[orgID]))
	for id := range m.s.integrated[orgID] {
		out[id] = struct{}{}
	}
	return out, nil
}

// --- reviews ---

type memReviews struct{ s *InMemory }

func (m memReviews) Create(ctx context.Context, rev *Review, scopes []VendorScope, objects []AccountObject, event UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.reviews {
		if existing.OrganizationID == rev.OrganizationID && existing.Status == StatusInProgress {
			return ErrAlreadyRunning
		}
	}
	m.s.reviews[rev.ID] = *rev
	for _, sc := range scopes {
		m.s.scopes[sc.ID] = sc
	}
	for _, obj := range objects {
		m.s.objects[obj.ID] = cloneObject(obj)
	}
	m.s.events = append(m.s.events, cloneEvent(event))
	return nil
}

func (m memReviews) Find(ctx context.Context, id string) (Review, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	rev, ok := m.s.reviews[id]
	if !ok {
		return Review{}, ErrNotFound
	}
	return rev, nil
}

func (m memReviews) FindInProgress(ctx context.Context, orgID string) (Review, bool, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, rev := range m.s.reviews {
		if rev.OrganizationID == orgID && rev.Status == StatusInProgress {
			return rev, true, nil
		}
	}
	return Review{}, false, nil
}

func (m memReviews) Cancel(ctx context.Context, reviewID string, completedAt time.Time, event UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rev, ok := m.s.reviews[reviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status == StatusCanceled {
		return nil
	}
	if rev.Status == StatusDone {
		return ErrTerminal
	}
	rev.Status = StatusCanceled
	rev.CompletedAt = &completedAt
	m.s.reviews[reviewID] = rev
	m.s.events = append(m.s.events, cloneEvent(event))
	return nil
}

func (m memReviews) Complete(ctx context.Context, reviewID, finalReportURL string, completedAt time.Time, snapshots map[string]json.RawMessage, event UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rev, ok := m.s.reviews[reviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	var incomplete []string
	for _, sc := range m.s.scopes {
		if sc.ReviewID == reviewID && sc.Status != ScopeCompleted {
			incomplete = append(incomplete, sc.ID)
		}
	}
	if len(incomplete) > 0 {
		sort.Strings(incomplete)
		return &VendorsIncompleteError{ScopeIDs: incomplete}
	}
	for objID, snapshot := range snapshots {
		obj, ok := m.s.objects[objID]
		if !ok {
			return fmt.Errorf("%w: object %s", ErrNotFound, objID)
		}
		obj.FinalSnapshot = append(json.RawMessage(nil), snapshot...)
		obj.UpdatedAt = completedAt
		m.s.objects[objID] = obj
	}
	rev.Status = StatusDone
	rev.CompletedAt = &completedAt
	rev.FinalReportURL = finalReportURL
	m.s.reviews[reviewID] = rev
	m.s.events = append(m.s.events, cloneEvent(event))
	return nil
}

// --- scopes ---

type memScopes struct{ s *InMemory }

func (m memScopes) Find(ctx context.Context, id string) (VendorScope, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	sc, ok := m.s.scopes[id]
	if !ok {
		return VendorScope{}, ErrNotFound
	}
	return sc, nil
}

func (m memScopes) ListByReview(ctx context.Context, reviewID string) ([]VendorScope, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []VendorScope
	for _, sc := range m.s.scopes {
		if sc.ReviewID == reviewID {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memScopes) Complete(ctx context.Context, scopeID string, event UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sc, ok := m.s.scopes[scopeID]
	if !ok {
		return ErrNotFound
	}
	rev, ok := m.s.reviews[sc.ReviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	if sc.Status == ScopeCompleted {
		return nil
	}
	var unconfirmed []string
	for _, obj := range m.s.objects {
		if obj.ScopeID == scopeID && !obj.Confirmed {
			unconfirmed = append(unconfirmed, obj.ID)
		}
	}
	if len(unconfirmed) > 0 {
		sort.Strings(unconfirmed)
		return &UnconfirmedAccountsError{ObjectIDs: unconfirmed}
	}
	sc.Status = ScopeCompleted
	m.s.scopes[scopeID] = sc
	m.s.events = append(m.s.events, cloneEvent(event))
	return nil
}

// --- objects ---

type memObjects struct{ s *InMemory }

func (m memObjects) Find(ctx context.Context, id string) (AccountObject, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	obj, ok := m.s.objects[id]
	if !ok {
		return AccountObject{}, ErrNotFound
	}
	return cloneObject(obj), nil
}

func (m memObjects) ListByScope(ctx context.Context, scopeID string) ([]AccountObject, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []AccountObject
	for _, obj := range m.s.objects {
		if obj.ScopeID == scopeID {
			out = append(out, cloneObject(obj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memObjects) ApplyReconciliation(ctx context.Context, scopeID string, syncedAt time.Time, updates []AccountObject) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sc, ok := m.s.scopes[scopeID]
	if !ok {
		return ErrNotFound
	}
	rev, ok := m.s.reviews[sc.ReviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	// Validate before mutating so the batch is all-or-nothing.
	for _, obj := range updates {
		existing, ok := m.s.objects[obj.ID]
		if !ok || existing.ScopeID != scopeID {
			return fmt.Errorf("%w: object %s", ErrNotFound, obj.ID)
		}
	}
	for _, obj := range updates {
		m.s.objects[obj.ID] = cloneObject(obj)
	}
	sc.SyncedAt = &syncedAt
	if sc.Status == ScopeNotStarted {
		sc.Status = ScopeInProgress
	}
	m.s.scopes[scopeID] = sc
	return nil
}

func (m memObjects) UpdateReview(ctx context.Context, obj AccountObject, events []UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	existing, ok := m.s.objects[obj.ID]
	if !ok {
		return ErrNotFound
	}
	sc, ok := m.s.scopes[existing.ScopeID]
	if !ok {
		return ErrNotFound
	}
	rev, ok := m.s.reviews[sc.ReviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status.Terminal() || sc.Status == ScopeCompleted {
		return ErrTerminal
	}
	m.s.objects[obj.ID] = cloneObject(obj)
	if sc.Status == ScopeNotStarted {
		sc.Status = ScopeInProgress
		m.s.scopes[sc.ID] = sc
	}
	for _, ev := range events {
		m.s.events = append(m.s.events, cloneEvent(ev))
	}
	return nil
}

// --- events ---

type memEvents struct{ s *InMemory }

func (m memEvents) Append(ctx context.Context, event UserEvent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	rev, ok := m.s.reviews[event.ReviewID]
	if !ok {
		return ErrNotFound
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	m.s.events = append(m.s.events, cloneEvent(event))
	return nil
}

func (m memEvents) ListByReview(ctx context.Context, reviewID string) ([]UserEvent, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []UserEvent
	for _, ev := range m.s.events {
		if ev.ReviewID == reviewID {
			out = append(out, cloneEvent(ev))
		}
	}
	return out, nil
}

// --- users ---

type memUsers struct{ s *InMemory }

func (m memUsers) Find(ctx context.Context, id string) (User, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	u, ok := m.s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

// --- copy helpers ---

func cloneObject(obj AccountObject) AccountObject {
	obj.OriginalAccess = cloneRaw(obj.OriginalAccess)
	obj.LatestAccess = cloneRaw(obj.LatestAccess)
	obj.FinalSnapshot = cloneRaw(obj.FinalSnapshot)
	return obj
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneEvent(ev UserEvent) UserEvent {
	ev.ObjectIDs = append([]string(nil), ev.ObjectIDs...)
	return ev
}
