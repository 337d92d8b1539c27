package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"accessreview.org/internal/blob"
	"accessreview.org/internal/ids"
	"accessreview.org/internal/laika"
	"accessreview.org/internal/obs"
)

// Service owns the review and vendor-scope state machines. Every state
// change and the events it implies commit in the same store transaction.
type Service struct {
	store     Store
	accounts  laika.Provider
	artifacts ArtifactBuilder
	assembler Assembler
	blobs     blob.Storage

	now         func() time.Time
	newReviewID func() string
	newID       func() string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithIDs overrides identifier generation (useful for tests).
func WithIDs(reviewID, rowID func() string) ServiceOption {
	return func(s *Service) error {
		if reviewID != nil {
			s.newReviewID = reviewID
		}
		if rowID != nil {
			s.newID = rowID
		}
		return nil
	}
}

// NewService constructs the lifecycle manager.
func NewService(store Store, accounts laika.Provider, artifacts ArtifactBuilder, assembler Assembler, blobs blob.Storage, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("review: store is required")
	}
	if accounts == nil {
		return nil, errors.New("review: laika provider is required")
	}
	svc := &Service{
		store:       store,
		accounts:    accounts,
		artifacts:   artifacts,
		assembler:   assembler,
		blobs:       blobs,
		now:         time.Now,
		newReviewID: ids.NewReview,
		newID:       ids.New,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// StartResult reports what StartReview materialized.
type StartResult struct {
	Scopes          int
	Objects         int
	ExtractFailures int
}

// StartReview creates a review with one vendor scope per in-scope vendor
// and one account object per reviewable, non-deleted laika object visible
// at each vendor. Permissions are snapshotted into each object's baseline.
func (s *Service) StartReview(ctx context.Context, orgID, actor, name string) (Review, StartResult, error) {
	pref, err := s.store.Preferences(ctx).Get(ctx, orgID)
	if err != nil {
		return Review{}, StartResult{}, err
	}
	if _, running, err := s.store.Reviews(ctx).FindInProgress(ctx, orgID); err != nil {
		return Review{}, StartResult{}, err
	} else if running {
		return Review{}, StartResult{}, ErrAlreadyRunning
	}

	now := s.now().UTC()
	if name == "" {
		name = "Access Review - " + now.Format("Jan 2, 2006")
	}
	rev := Review{
		ID:             s.newReviewID(),
		OrganizationID: orgID,
		Name:           name,
		Status:         StatusInProgress,
		CreatedAt:      now,
		CreatedBy:      actor,
		DueDate:        pref.DueDate,
	}

	vendorPrefs, err := s.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
	if err != nil {
		return Review{}, StartResult{}, err
	}
	integrated, err := s.store.Preferences(ctx).IntegratedVendorIDs(ctx, orgID)
	if err != nil {
		return Review{}, StartResult{}, err
	}

	var (
		scopes  []VendorScope
		objects []AccountObject
		result  StartResult
	)
	for _, vp := range vendorPrefs {
		if !vp.InScope {
			continue
		}
		source := SourceManual
		if _, ok := integrated[vp.VendorID]; ok {
			source = SourceIntegration
		}
		scope := VendorScope{
			ID:         s.newID(),
			ReviewID:   rev.ID,
			VendorID:   vp.VendorID,
			VendorName: vp.VendorName,
			Source:     source,
			Status:     ScopeNotStarted,
		}
		scopes = append(scopes, scope)

		accounts, err := s.accounts.AccountsForVendor(ctx, orgID, vp.VendorID)
		if err != nil {
			return Review{}, StartResult{}, fmt.Errorf("list accounts for vendor %s: %w", vp.VendorID, err)
		}
		for _, acc := range accounts {
			if !acc.Reviewable() || acc.Deleted() {
				continue
			}
			obj := AccountObject{
				ID:            s.newID(),
				ScopeID:       scope.ID,
				LaikaObjectID: acc.ID,
				Status:        ObjectUnchanged,
				UpdatedAt:     now,
			}
			if perms, err := acc.Permissions(); err != nil {
				result.ExtractFailures++
				obs.ExtractFailures.Inc()
			} else {
				obj.OriginalAccess = perms.JSON()
			}
			objects = append(objects, obj)
		}
	}
	result.Scopes = len(scopes)
	result.Objects = len(objects)

	event := UserEvent{
		ID:         s.newID(),
		ReviewID:   rev.ID,
		ActorID:    actor,
		Type:       EventCreateReview,
		OccurredAt: now,
	}
	if err := s.store.Reviews(ctx).Create(ctx, &rev, scopes, objects, event); err != nil {
		return Review{}, StartResult{}, err
	}
	obs.ReviewsStarted.Inc()
	return rev, result, nil
}

// CancelReview transitions an in-progress review to canceled. Canceling an
// already-canceled review is a no-op; a done review is terminal.
func (s *Service) CancelReview(ctx context.Context, reviewID, actor string) error {
	rev, err := s.store.Reviews(ctx).Find(ctx, reviewID)
	if err != nil {
		return err
	}
	if rev.Status == StatusCanceled {
		return nil
	}
	if rev.Status == StatusDone {
		return ErrTerminal
	}
	now := s.now().UTC()
	event := UserEvent{
		ID:         s.newID(),
		ReviewID:   reviewID,
		ActorID:    actor,
		Type:       EventCancelReview,
		OccurredAt: now,
	}
	if err := s.store.Reviews(ctx).Cancel(ctx, reviewID, now, event); err != nil {
		return err
	}
	obs.ReviewsCompleted.WithLabelValues(string(StatusCanceled)).Inc()
	return nil
}

// CompleteVendor transitions a vendor scope to completed once every child
// account is confirmed.
func (s *Service) CompleteVendor(ctx context.Context, scopeID, actor string) error {
	scope, err := s.store.Scopes(ctx).Find(ctx, scopeID)
	if err != nil {
		return err
	}
	rev, err := s.store.Reviews(ctx).Find(ctx, scope.ReviewID)
	if err != nil {
		return err
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	if scope.Status == ScopeCompleted {
		return nil
	}
	event := UserEvent{
		ID:         s.newID(),
		ReviewID:   scope.ReviewID,
		ScopeID:    scopeID,
		ActorID:    actor,
		Type:       EventCompleteReviewVendor,
		OccurredAt: s.now().UTC(),
	}
	return s.store.Scopes(ctx).Complete(ctx, scopeID, event)
}

// CompleteReview freezes every object's final snapshot, assembles the
// audit archive, persists it as the final report and transitions the
// review to done. The transition is atomic: it either completes fully or
// leaves the prior state intact.
func (s *Service) CompleteReview(ctx context.Context, reviewID, actor string) (Review, error) {
	rev, err := s.store.Reviews(ctx).Find(ctx, reviewID)
	if err != nil {
		return Review{}, err
	}
	if rev.Status.Terminal() {
		return Review{}, ErrTerminal
	}
	scopes, err := s.store.Scopes(ctx).ListByReview(ctx, reviewID)
	if err != nil {
		return Review{}, err
	}
	var incomplete []string
	for _, sc := range scopes {
		if sc.Status != ScopeCompleted {
			incomplete = append(incomplete, sc.ID)
		}
	}
	if len(incomplete) > 0 {
		return Review{}, &VendorsIncompleteError{ScopeIDs: incomplete}
	}

	objectsByScope := make(map[string][]AccountObject, len(scopes))
	accounts := make(map[string]laika.Object)
	snapshots := make(map[string]json.RawMessage)
	for _, sc := range scopes {
		objs, err := s.store.Objects(ctx).ListByScope(ctx, sc.ID)
		if err != nil {
			return Review{}, err
		}
		objectsByScope[sc.ID] = objs
		for _, obj := range objs {
			snapshots[obj.ID] = s.finalSnapshot(ctx, obj, accounts)
		}
	}

	events, err := s.store.Events(ctx).ListByReview(ctx, reviewID)
	if err != nil {
		return Review{}, err
	}
	users := s.resolveActors(ctx, events, actor)

	now := s.now().UTC()
	archive, _, err := s.assembler.Assemble(ctx, AssembleInput{
		Review:      rev,
		Scopes:      scopes,
		Objects:     objectsByScope,
		Events:      events,
		Accounts:    accounts,
		Users:       users,
		CompletedBy: actor,
		Now:         now,
	})
	if err != nil {
		return Review{}, err
	}

	reportName := "Access Review Report - " + rev.Name + ".zip"
	url, err := s.blobs.Put(ctx, blob.ReportPath(rev.ID, reportName), archive)
	if err != nil {
		return Review{}, err
	}

	event := UserEvent{
		ID:         s.newID(),
		ReviewID:   reviewID,
		ActorID:    actor,
		Type:       EventCompleteReview,
		OccurredAt: now,
	}
	if err := s.store.Reviews(ctx).Complete(ctx, reviewID, url, now, snapshots, event); err != nil {
		return Review{}, err
	}
	obs.ReviewsCompleted.WithLabelValues(string(StatusDone)).Inc()
	return s.store.Reviews(ctx).Find(ctx, reviewID)
}

// finalSnapshot observes the account's current permissions. When the laika
// object is gone or extraction fails, the last known value is frozen
// instead: latest_access when a modification was seen, else the baseline.
func (s *Service) finalSnapshot(ctx context.Context, obj AccountObject, accounts map[string]laika.Object) json.RawMessage {
	acc, err := s.accounts.Find(ctx, obj.LaikaObjectID)
	if err == nil {
		accounts[acc.ID] = acc
		if perms, perr := acc.Permissions(); perr == nil {
			return perms.JSON()
		}
	}
	if obj.LatestAccess != nil {
		return obj.LatestAccess
	}
	return obj.OriginalAccess
}

func (s *Service) resolveActors(ctx context.Context, events []UserEvent, actor string) map[string]User {
	users := make(map[string]User)
	lookup := func(id string) {
		if id == "" {
			return
		}
		if _, ok := users[id]; ok {
			return
		}
		if u, err := s.store.Users(ctx).Find(ctx, id); err == nil {
			users[id] = u
		}
	}
	lookup(actor)
	for _, ev := range events {
		lookup(ev.ActorID)
	}
	return users
}

// MarkAccountReviewed records the reviewer's sign-off on one account,
// re-baselining it when a modification had been observed, and regenerates
// the evidence artifact so its update_type matches the current status.
func (s *Service) MarkAccountReviewed(ctx context.Context, objectID, actor string, notes *string, attachment *Attachment) error {
	obj, scope, rev, err := s.objectContext(ctx, objectID)
	if err != nil {
		return err
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}

	now := s.now().UTC()
	if obj.LatestAccess != nil {
		// Reviewer-confirmed re-baseline: the acknowledged state becomes
		// the baseline for subsequent reconciliations.
		obj.OriginalAccess = append(json.RawMessage(nil), obj.LatestAccess...)
	}
	obj.Confirmed = true
	obj.UpdatedAt = now

	events := []UserEvent{{
		ID:         s.newID(),
		ReviewID:   rev.ID,
		ScopeID:    scope.ID,
		ActorID:    actor,
		Type:       EventReviewedAccounts,
		ObjectIDs:  []string{obj.ID},
		OccurredAt: now,
	}}
	if notes != nil {
		obj.Notes = *notes
		events = append(events, UserEvent{
			ID:         s.newID(),
			ReviewID:   rev.ID,
			ScopeID:    scope.ID,
			ActorID:    actor,
			Type:       EventCreateUpdateAccounts,
			ObjectIDs:  []string{obj.ID},
			OccurredAt: now,
		})
	}
	if attachment != nil {
		url, err := s.blobs.Put(ctx, blob.NotePath(rev.ID, path.Base(attachment.Filename)), attachment.Data)
		if err != nil {
			return err
		}
		obj.NoteAttachmentURL = url
		events = append(events, UserEvent{
			ID:         s.newID(),
			ReviewID:   rev.ID,
			ScopeID:    scope.ID,
			ActorID:    actor,
			Type:       EventAddAttachment,
			ObjectIDs:  []string{obj.ID},
			OccurredAt: now,
		})
	}

	ref, err := s.buildEvidence(ctx, rev, scope, obj, now)
	if err != nil {
		return err
	}
	obj.EvidenceURL = ref.URL
	obj.EvidenceType = ref.Type

	return s.store.Objects(ctx).UpdateReview(ctx, obj, events)
}

// MarkAccountUnreviewed withdraws the reviewer's sign-off.
func (s *Service) MarkAccountUnreviewed(ctx context.Context, objectID, actor string) error {
	obj, scope, rev, err := s.objectContext(ctx, objectID)
	if err != nil {
		return err
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	now := s.now().UTC()
	obj.Confirmed = false
	obj.UpdatedAt = now
	events := []UserEvent{{
		ID:         s.newID(),
		ReviewID:   rev.ID,
		ScopeID:    scope.ID,
		ActorID:    actor,
		Type:       EventUnreviewedAccounts,
		ObjectIDs:  []string{obj.ID},
		OccurredAt: now,
	}}
	return s.store.Objects(ctx).UpdateReview(ctx, obj, events)
}

// ClearAccountAttachment removes a previously attached note file reference.
func (s *Service) ClearAccountAttachment(ctx context.Context, objectID, actor string) error {
	obj, scope, rev, err := s.objectContext(ctx, objectID)
	if err != nil {
		return err
	}
	if rev.Status.Terminal() {
		return ErrTerminal
	}
	if obj.NoteAttachmentURL == "" {
		return nil
	}
	now := s.now().UTC()
	obj.NoteAttachmentURL = ""
	obj.UpdatedAt = now
	events := []UserEvent{{
		ID:         s.newID(),
		ReviewID:   rev.ID,
		ScopeID:    scope.ID,
		ActorID:    actor,
		Type:       EventClearAttachment,
		ObjectIDs:  []string{obj.ID},
		OccurredAt: now,
	}}
	return s.store.Objects(ctx).UpdateReview(ctx, obj, events)
}

// RecordHelpOpened notes that a reviewer opened the in-product help for an
// in-progress review.
func (s *Service) RecordHelpOpened(ctx context.Context, reviewID, actor string) error {
	return s.store.Events(ctx).Append(ctx, UserEvent{
		ID:         s.newID(),
		ReviewID:   reviewID,
		ActorID:    actor,
		Type:       EventHelpModalOpened,
		OccurredAt: s.now().UTC(),
	})
}

// Events returns the review's audit trail.
func (s *Service) Events(ctx context.Context, reviewID string) ([]UserEvent, error) {
	if _, err := s.store.Reviews(ctx).Find(ctx, reviewID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx).ListByReview(ctx, reviewID)
}

// Find returns one review.
func (s *Service) Find(ctx context.Context, reviewID string) (Review, error) {
	return s.store.Reviews(ctx).Find(ctx, reviewID)
}

// Scopes lists a review's vendor scopes in id order.
func (s *Service) Scopes(ctx context.Context, reviewID string) ([]VendorScope, error) {
	if _, err := s.store.Reviews(ctx).Find(ctx, reviewID); err != nil {
		return nil, err
	}
	return s.store.Scopes(ctx).ListByReview(ctx, reviewID)
}

// ScopeObjects returns one scope and its account objects in id order.
func (s *Service) ScopeObjects(ctx context.Context, scopeID string) (VendorScope, []AccountObject, error) {
	scope, err := s.store.Scopes(ctx).Find(ctx, scopeID)
	if err != nil {
		return VendorScope{}, nil, err
	}
	objs, err := s.store.Objects(ctx).ListByScope(ctx, scopeID)
	if err != nil {
		return VendorScope{}, nil, err
	}
	return scope, objs, nil
}

// ExportScopeCSV streams the scope's accounts as CSV in store order.
func (s *Service) ExportScopeCSV(ctx context.Context, scopeID string, w io.Writer) error {
	scope, err := s.store.Scopes(ctx).Find(ctx, scopeID)
	if err != nil {
		return err
	}
	objs, err := s.store.Objects(ctx).ListByScope(ctx, scopeID)
	if err != nil {
		return err
	}
	accounts := make(map[string]laika.Object, len(objs))
	for _, obj := range objs {
		if acc, err := s.accounts.Find(ctx, obj.LaikaObjectID); err == nil {
			accounts[obj.LaikaObjectID] = acc
		}
	}
	return WriteScopeCSV(w, scope, objs, accounts)
}

func (s *Service) objectContext(ctx context.Context, objectID string) (AccountObject, VendorScope, Review, error) {
	obj, err := s.store.Objects(ctx).Find(ctx, objectID)
	if err != nil {
		return AccountObject{}, VendorScope{}, Review{}, err
	}
	scope, err := s.store.Scopes(ctx).Find(ctx, obj.ScopeID)
	if err != nil {
		return AccountObject{}, VendorScope{}, Review{}, err
	}
	rev, err := s.store.Reviews(ctx).Find(ctx, scope.ReviewID)
	if err != nil {
		return AccountObject{}, VendorScope{}, Review{}, err
	}
	return obj, scope, rev, nil
}

func (s *Service) buildEvidence(ctx context.Context, rev Review, scope VendorScope, obj AccountObject, now time.Time) (ArtifactRef, error) {
	acc, err := s.accounts.Find(ctx, obj.LaikaObjectID)
	if err != nil {
		// The review entity must survive the disappearance of its laika
		// object; render from what the object itself recorded.
		acc = laika.Object{ID: obj.LaikaObjectID}
	}
	reviewers, err := s.reviewerNames(ctx, rev.OrganizationID, scope.VendorID)
	if err != nil {
		return ArtifactRef{}, err
	}
	return s.artifacts.Build(ctx, ArtifactInput{
		ReviewID:   rev.ID,
		ReviewName: rev.Name,
		VendorName: scope.VendorName,
		Object:     obj,
		Account:    acc,
		Reviewers:  reviewers,
		UpdatedAt:  now,
	})
}

func (s *Service) reviewerNames(ctx context.Context, orgID, vendorID string) ([]string, error) {
	prefs, err := s.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, vp := range prefs {
		if vp.VendorID != vendorID {
			continue
		}
		for _, id := range vp.ReviewerIDs {
			if u, err := s.store.Users(ctx).Find(ctx, id); err == nil {
				names = append(names, u.Name())
			}
		}
	}
	return names, nil
}
