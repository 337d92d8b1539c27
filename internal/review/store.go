package review

import (
	"context"
	"encoding/json"
	"time"
)

// Store describes persistence operations required by the review engine.
// Multi-entity mutations are atomic: either the whole transition commits or
// the prior state is preserved verbatim.
type Store interface {
	Preferences(ctx context.Context) PreferenceStore
	Reviews(ctx context.Context) ReviewStore
	Scopes(ctx context.Context) ScopeStore
	Objects(ctx context.Context) ObjectStore
	Events(ctx context.Context) EventStore
	Users(ctx context.Context) UserStore
}

// PreferenceStore persists the per-organization review configuration.
type PreferenceStore interface {
	// Get returns the singleton preference, or ErrNotConfigured.
	Get(ctx context.Context, orgID string) (Preference, error)
	Upsert(ctx context.Context, pref Preference) error
	ListVendorPreferences(ctx context.Context, orgID string) ([]VendorPreference, error)
	UpsertVendorPreference(ctx context.Context, pref VendorPreference) error
	// IntegratedVendorIDs lists vendors with at least one active
	// integration connection.
	IntegratedVendorIDs(ctx context.Context, orgID string) (map[string]struct{}, error)
}

// ReviewStore manages review rows and their cross-entity transitions.
type ReviewStore interface {
	// Create atomically persists the review, its vendor scopes, their
	// account objects, and the creation event. Fails with ErrAlreadyRunning
	// when the organization already has an in-progress review.
	Create(ctx context.Context, rev *Review, scopes []VendorScope, objects []AccountObject, event UserEvent) error
	Find(ctx context.Context, id string) (Review, error)
	FindInProgress(ctx context.Context, orgID string) (Review, bool, error)
	// Cancel transitions in_progress to canceled and appends the event. A
	// review already canceled is left untouched and no event is appended.
	// Fails with ErrTerminal when the review is done.
	Cancel(ctx context.Context, reviewID string, completedAt time.Time, event UserEvent) error
	// Complete atomically writes each object's final snapshot, records the
	// final report, sets completed_at, transitions to done, and appends the
	// event.
	Complete(ctx context.Context, reviewID, finalReportURL string, completedAt time.Time, snapshots map[string]json.RawMessage, event UserEvent) error
}

// ScopeStore manages vendor scopes.
type ScopeStore interface {
	Find(ctx context.Context, id string) (VendorScope, error)
	// ListByReview returns scopes in id-ascending order.
	ListByReview(ctx context.Context, reviewID string) ([]VendorScope, error)
	// Complete transitions the scope to completed and appends the event.
	Complete(ctx context.Context, scopeID string, event UserEvent) error
}

// ObjectStore manages account objects.
type ObjectStore interface {
	Find(ctx context.Context, id string) (AccountObject, error)
	// ListByScope returns objects in id-ascending order, which is also
	// insertion order.
	ListByScope(ctx context.Context, scopeID string) ([]AccountObject, error)
	// ApplyReconciliation commits one reconciliation batch: the updated
	// objects, the scope's synced_at, and the scope's move out of
	// not_started. All or nothing.
	ApplyReconciliation(ctx context.Context, scopeID string, syncedAt time.Time, updates []AccountObject) error
	// UpdateReview commits a reviewer action on one object together with
	// the events it emits.
	UpdateReview(ctx context.Context, obj AccountObject, events []UserEvent) error
}

// EventStore appends immutable audit trail entries. There is deliberately
// no update or delete.
type EventStore interface {
	Append(ctx context.Context, event UserEvent) error
	// ListByReview returns events in occurrence order.
	ListByReview(ctx context.Context, reviewID string) ([]UserEvent, error)
}

// UserStore resolves reviewer references for rendering.
type UserStore interface {
	Find(ctx context.Context, id string) (User, error)
}
