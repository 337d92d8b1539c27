package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"accessreview.org/internal/laika"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/review"
)

// Engine compares each account's current external state against its
// recorded baseline and derives status transitions. A scope reconciliation
// is one transactional batch: all effects commit together or not at all.
type Engine struct {
	store     review.Store
	accounts  laika.Provider
	artifacts review.ArtifactBuilder

	now     func() time.Time
	workers int
}

// Option configures the engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithWorkers bounds the evidence-generation worker pool.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// NewEngine constructs a reconciliation engine.
func NewEngine(store review.Store, accounts laika.Provider, artifacts review.ArtifactBuilder, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		accounts:  accounts,
		artifacts: artifacts,
		now:       time.Now,
		workers:   4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarizes one scope reconciliation.
type Result struct {
	Objects         int
	Changed         int
	Modified        int
	Revoked         int
	Reopened        int // confirmations withdrawn because the account needs re-review
	ExtractFailures int
	RenderFailures  int
}

type objectDelta struct {
	obj            review.AccountObject
	account        laika.Object
	statusChanged  bool
	confirmCleared bool
	renderFailed   bool
}

// ReconcileScope runs the per-object algorithm over every account of the
// scope in id-ascending order. Running it twice over unchanged input is a
// no-op: no status changes, no events, no new evidence.
func (e *Engine) ReconcileScope(ctx context.Context, scopeID string) (Result, error) {
	scope, err := e.store.Scopes(ctx).Find(ctx, scopeID)
	if err != nil {
		return Result{}, err
	}
	rev, err := e.store.Reviews(ctx).Find(ctx, scope.ReviewID)
	if err != nil {
		return Result{}, err
	}
	if rev.Status.Terminal() || scope.Status == review.ScopeCompleted {
		return Result{}, review.ErrTerminal
	}

	objects, err := e.store.Objects(ctx).ListByScope(ctx, scopeID)
	if err != nil {
		return Result{}, err
	}

	result := Result{Objects: len(objects)}
	var deltas []objectDelta
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			// Cooperative cancellation: nothing has been applied yet, so
			// the scope is left exactly as it was.
			return Result{}, err
		}
		delta, failed, err := e.reconcileObject(ctx, obj)
		if err != nil {
			return Result{}, err
		}
		if failed {
			result.ExtractFailures++
			obs.ExtractFailures.Inc()
			continue
		}
		if !delta.statusChanged && !delta.confirmCleared {
			continue
		}
		if delta.statusChanged {
			obs.ObjectsChanged.WithLabelValues(string(delta.obj.Status)).Inc()
			switch delta.obj.Status {
			case review.ObjectModified:
				result.Modified++
			case review.ObjectRevoked:
				result.Revoked++
			}
		}
		if delta.confirmCleared {
			result.Reopened++
		}
		deltas = append(deltas, delta)
	}
	result.Changed = len(deltas)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	result.RenderFailures = e.regenerateEvidence(ctx, rev, scope, deltas)

	updates := make([]review.AccountObject, 0, len(deltas))
	for _, delta := range deltas {
		updates = append(updates, delta.obj)
	}
	syncedAt := e.now().UTC()
	if err := e.store.Objects(ctx).ApplyReconciliation(ctx, scopeID, syncedAt, updates); err != nil {
		return Result{}, err
	}
	obs.ScopesReconciled.Inc()
	return result, nil
}

// reconcileObject computes the delta for one account. The boolean result
// reports a permission-extraction failure, which leaves the object
// untouched without aborting the scope.
func (e *Engine) reconcileObject(ctx context.Context, obj review.AccountObject) (objectDelta, bool, error) {
	var (
		account laika.Object
		deleted bool
		current laika.Value
	)
	acc, err := e.accounts.Find(ctx, obj.LaikaObjectID)
	switch {
	case errors.Is(err, laika.ErrNotFound):
		// Referenced by the review but missing externally: revoked.
		deleted = true
		account = laika.Object{ID: obj.LaikaObjectID}
	case err != nil:
		return objectDelta{}, false, err
	default:
		account = acc
		deleted = acc.Deleted()
		if !deleted {
			current, err = acc.Permissions()
			if err != nil {
				return objectDelta{}, true, nil
			}
		}
	}

	original, err := laika.ParseValue(obj.OriginalAccess)
	if err != nil {
		return objectDelta{}, true, nil
	}
	latest, err := laika.ParseValue(obj.LatestAccess)
	if err != nil {
		return objectDelta{}, true, nil
	}

	isModified := !deleted && !current.Equal(original) && !current.Equal(latest)
	needsReview := deleted
	if !deleted {
		if !latest.IsZero() {
			needsReview = !current.Equal(latest)
		} else {
			needsReview = !current.Equal(original)
		}
	}

	delta := objectDelta{obj: obj, account: account}
	switch {
	case deleted:
		if obj.Status != review.ObjectRevoked {
			delta.obj.Status = review.ObjectRevoked
			delta.statusChanged = true
		}
	case isModified:
		delta.obj.Status = review.ObjectModified
		delta.obj.LatestAccess = current.JSON()
		delta.statusChanged = true
	}
	// Revoked accounts keep their confirmation: a tombstoned account no
	// longer needs reviewer attention.
	if needsReview && !deleted && delta.obj.Confirmed {
		delta.obj.Confirmed = false
		delta.confirmCleared = true
	}
	if delta.statusChanged || delta.confirmCleared {
		delta.obj.UpdatedAt = e.now().UTC()
	}
	return delta, false, nil
}

// regenerateEvidence renders artifacts for every changed object. Each
// account's artifact is independent, so builds are dispatched to a worker
// pool; completion order does not matter. A persistent render failure
// leaves that object's prior artifact untouched.
func (e *Engine) regenerateEvidence(ctx context.Context, rev review.Review, scope review.VendorScope, deltas []objectDelta) int {
	if len(deltas) == 0 || e.artifacts == nil {
		return 0
	}
	reviewers := e.reviewerNames(ctx, rev.OrganizationID, scope.VendorID)

	workers := e.workers
	if workers > len(deltas) {
		workers = len(deltas)
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				delta := &deltas[i]
				ref, err := e.artifacts.Build(ctx, review.ArtifactInput{
					ReviewID:   rev.ID,
					ReviewName: rev.Name,
					VendorName: scope.VendorName,
					Object:     delta.obj,
					Account:    delta.account,
					Reviewers:  reviewers,
					UpdatedAt:  delta.obj.UpdatedAt,
				})
				if err != nil {
					delta.renderFailed = true
					continue
				}
				delta.obj.EvidenceURL = ref.URL
				delta.obj.EvidenceType = ref.Type
			}
		}()
	}
	for i := range deltas {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	failures := 0
	for _, delta := range deltas {
		if delta.renderFailed {
			failures++
		}
	}
	return failures
}

func (e *Engine) reviewerNames(ctx context.Context, orgID, vendorID string) []string {
	prefs, err := e.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
	if err != nil {
		return nil
	}
	var names []string
	for _, vp := range prefs {
		if vp.VendorID != vendorID {
			continue
		}
		for _, id := range vp.ReviewerIDs {
			if u, err := e.store.Users(ctx).Find(ctx, id); err == nil {
				names = append(names, u.Name())
			}
		}
	}
	return names
}
