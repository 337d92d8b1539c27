package review

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"accessreview.org/internal/blob"
	"accessreview.org/internal/laika"
)

var svcNow = time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

type stubBuilder struct {
	builds int
	fail   bool
}

func (b *stubBuilder) Build(ctx context.Context, in ArtifactInput) (ArtifactRef, error) {
	b.builds++
	if b.fail {
		return ArtifactRef{}, errors.New("render down")
	}
	return ArtifactRef{URL: "mem://o/" + in.Object.ID, Type: in.Object.Status}, nil
}

type stubAssembler struct {
	calls int
	last  AssembleInput
	fail  bool
}

func (a *stubAssembler) Assemble(ctx context.Context, in AssembleInput) ([]byte, AssembleStats, error) {
	a.calls++
	a.last = in
	if a.fail {
		return nil, AssembleStats{}, errors.New("assembly down")
	}
	return []byte("archive"), AssembleStats{}, nil
}

type memBlobStorage struct {
	data map[string][]byte
}

func newMemBlobStorage() *memBlobStorage { return &memBlobStorage{data: make(map[string][]byte)} }

func (m *memBlobStorage) Put(ctx context.Context, path string, data []byte) (string, error) {
	m.data[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (m *memBlobStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	data, ok := m.data[path]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type harness struct {
	store     *InMemory
	provider  *laika.MemProvider
	builder   *stubBuilder
	assembler *stubAssembler
	blobs     *memBlobStorage
	svc       *Service
}

func seq(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%04d", prefix, n)
	}
}

// newHarness configures org-1 with two in-scope vendors (Acme integrated,
// Beta manual), one out-of-scope vendor, and three reviewable accounts.
func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewInMemory()
	provider := laika.NewMemProvider()
	ctx := context.Background()

	if err := store.Preferences(ctx).Upsert(ctx, Preference{
		OrganizationID: "org-1",
		Frequency:      FrequencyQuarterly,
		Criticality:    CriticalityLow,
	}); err != nil {
		t.Fatalf("seed preference: %v", err)
	}
	for _, vp := range []VendorPreference{
		{OrganizationID: "org-1", VendorID: "v-a", VendorName: "Acme", InScope: true, ReviewerIDs: []string{"user-2"}},
		{OrganizationID: "org-1", VendorID: "v-b", VendorName: "Beta", InScope: true},
		{OrganizationID: "org-1", VendorID: "v-c", VendorName: "Gamma", InScope: false},
	} {
		if err := store.Preferences(ctx).UpsertVendorPreference(ctx, vp); err != nil {
			t.Fatalf("seed vendor preference: %v", err)
		}
	}
	store.SeedIntegration("org-1", "v-a")
	store.SeedUser(User{ID: "user-1", FirstName: "Nora", LastName: "Reyes"})
	store.SeedUser(User{ID: "user-2", Email: "sam@example.com"})

	provider.Put(laika.Object{
		ID: "acc-alice", OrganizationID: "org-1", VendorID: "v-a", Type: laika.TypeUser,
		Data: map[string]any{"Display Name": "Alice", "Email": "alice@example.com", "Roles": []string{"admin"}},
	})
	provider.Put(laika.Object{
		ID: "acc-svc", OrganizationID: "org-1", VendorID: "v-a", Type: laika.TypeServiceAccount,
		Data: map[string]any{"Display Name": "deploy-bot", "Roles": []string{"ci"}},
	})
	provider.Put(laika.Object{
		ID: "acc-carol", OrganizationID: "org-1", VendorID: "v-b", Type: laika.TypeUser,
		Data: map[string]any{"Display Name": "Carol", "Email": "carol@example.com", "Groups": []string{"finance"}},
	})
	// Neither a tombstoned account nor a non-account object enters a review.
	gone := svcNow.Add(-time.Hour)
	provider.Put(laika.Object{
		ID: "acc-gone", OrganizationID: "org-1", VendorID: "v-a", Type: laika.TypeUser, DeletedAt: &gone,
	})
	provider.Put(laika.Object{
		ID: "acc-group", OrganizationID: "org-1", VendorID: "v-a", Type: "group",
	})

	builder := &stubBuilder{}
	assembler := &stubAssembler{}
	blobs := newMemBlobStorage()
	svc, err := NewService(store, provider, builder, assembler, blobs,
		WithClock(func() time.Time { return svcNow }),
		WithIDs(seq("rev"), seq("id")),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &harness{store: store, provider: provider, builder: builder, assembler: assembler, blobs: blobs, svc: svc}
}

func (h *harness) start(t *testing.T) Review {
	t.Helper()
	rev, _, err := h.svc.StartReview(context.Background(), "org-1", "user-1", "")
	if err != nil {
		t.Fatalf("start review: %v", err)
	}
	return rev
}

func (h *harness) scopes(t *testing.T, reviewID string) []VendorScope {
	t.Helper()
	scopes, err := h.store.Scopes(context.Background()).ListByReview(context.Background(), reviewID)
	if err != nil {
		t.Fatalf("list scopes: %v", err)
	}
	return scopes
}

func (h *harness) objects(t *testing.T, scopeID string) []AccountObject {
	t.Helper()
	objs, err := h.store.Objects(context.Background()).ListByScope(context.Background(), scopeID)
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	return objs
}

func (h *harness) reviewAll(t *testing.T, reviewID string) {
	t.Helper()
	for _, sc := range h.scopes(t, reviewID) {
		for _, obj := range h.objects(t, sc.ID) {
			if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, nil); err != nil {
				t.Fatalf("mark reviewed %s: %v", obj.ID, err)
			}
		}
		if err := h.svc.CompleteVendor(context.Background(), sc.ID, "user-1"); err != nil {
			t.Fatalf("complete vendor %s: %v", sc.ID, err)
		}
	}
}

func eventTypes(events []UserEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, string(ev.Type))
	}
	return out
}

func TestStartReviewMaterializesScopesAndObjects(t *testing.T) {
	h := newHarness(t)
	rev, res, err := h.svc.StartReview(context.Background(), "org-1", "user-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if rev.Name != "Access Review - Apr 1, 2026" {
		t.Fatalf("default name = %q", rev.Name)
	}
	if rev.Status != StatusInProgress || rev.CreatedBy != "user-1" {
		t.Fatalf("review = %+v", rev)
	}
	if res.Scopes != 2 || res.Objects != 3 || res.ExtractFailures != 0 {
		t.Fatalf("result = %+v", res)
	}

	scopes := h.scopes(t, rev.ID)
	bySource := map[string]Source{}
	for _, sc := range scopes {
		bySource[sc.VendorID] = sc.Source
		if sc.Status != ScopeNotStarted {
			t.Fatalf("scope %s status = %s", sc.ID, sc.Status)
		}
	}
	if bySource["v-a"] != SourceIntegration || bySource["v-b"] != SourceManual {
		t.Fatalf("sources = %v", bySource)
	}

	var total int
	for _, sc := range scopes {
		for _, obj := range h.objects(t, sc.ID) {
			total++
			if obj.Status != ObjectUnchanged || obj.Confirmed {
				t.Fatalf("fresh object = %+v", obj)
			}
			if obj.OriginalAccess == nil {
				t.Fatalf("object %s missing baseline", obj.ID)
			}
		}
	}
	if total != 3 {
		t.Fatalf("objects = %d, want 3 (tombstoned and non-account objects excluded)", total)
	}

	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventCreateReview || events[0].ActorID != "user-1" {
		t.Fatalf("events = %v", eventTypes(events))
	}
}

func TestStartReviewRequiresConfiguration(t *testing.T) {
	h := newHarness(t)
	if _, _, err := h.svc.StartReview(context.Background(), "org-none", "user-1", ""); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestStartReviewRejectsSecondInProgress(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	if _, _, err := h.svc.StartReview(context.Background(), "org-1", "user-1", ""); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestStartReviewExtractFailureRecorded(t *testing.T) {
	h := newHarness(t)
	h.provider.Put(laika.Object{
		ID: "acc-bad", OrganizationID: "org-1", VendorID: "v-a", Type: laika.TypeUser,
		Data: map[string]any{"Roles": func() {}},
	})
	rev, res, err := h.svc.StartReview(context.Background(), "org-1", "user-1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.ExtractFailures != 1 || res.Objects != 4 {
		t.Fatalf("result = %+v", res)
	}
	var withNilBaseline int
	for _, sc := range h.scopes(t, rev.ID) {
		for _, obj := range h.objects(t, sc.ID) {
			if obj.OriginalAccess == nil {
				withNilBaseline++
				if obj.LaikaObjectID != "acc-bad" {
					t.Fatalf("nil baseline on %s", obj.LaikaObjectID)
				}
			}
		}
	}
	if withNilBaseline != 1 {
		t.Fatalf("nil baselines = %d", withNilBaseline)
	}
}

func TestCompleteReviewFullCycle(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	h.reviewAll(t, rev.ID)

	done, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusDone {
		t.Fatalf("status = %s", done.Status)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(svcNow) {
		t.Fatalf("completed at = %v", done.CompletedAt)
	}
	wantURL := "mem://" + blob.ReportPath(rev.ID, "Access Review Report - "+rev.Name+".zip")
	if done.FinalReportURL != wantURL {
		t.Fatalf("final report = %q, want %q", done.FinalReportURL, wantURL)
	}
	if _, ok := h.blobs.data[blob.ReportPath(rev.ID, "Access Review Report - "+rev.Name+".zip")]; !ok {
		t.Fatal("archive blob not stored")
	}

	if h.assembler.calls != 1 {
		t.Fatalf("assembler calls = %d", h.assembler.calls)
	}
	in := h.assembler.last
	if in.Review.ID != rev.ID || len(in.Scopes) != 2 || !in.Now.Equal(svcNow) {
		t.Fatalf("assemble input = %+v", in)
	}
	if _, ok := in.Users["user-1"]; !ok {
		t.Fatal("assemble input must resolve the completing actor")
	}

	for _, sc := range h.scopes(t, rev.ID) {
		for _, obj := range h.objects(t, sc.ID) {
			if obj.FinalSnapshot == nil {
				t.Fatalf("object %s missing final snapshot", obj.ID)
			}
		}
	}

	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := eventTypes(events)
	if types[0] != string(EventCreateReview) || types[len(types)-1] != string(EventCompleteReview) {
		t.Fatalf("event order = %v", types)
	}
}

func TestCompleteReviewBlockedByIncompleteVendor(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	scopes := h.scopes(t, rev.ID)

	// Finish only the first vendor.
	for _, obj := range h.objects(t, scopes[0].ID) {
		if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, nil); err != nil {
			t.Fatalf("mark reviewed: %v", err)
		}
	}
	if err := h.svc.CompleteVendor(context.Background(), scopes[0].ID, "user-1"); err != nil {
		t.Fatalf("complete vendor: %v", err)
	}

	_, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1")
	if !errors.Is(err, ErrVendorsIncomplete) {
		t.Fatalf("err = %v, want ErrVendorsIncomplete", err)
	}
	var incomplete *VendorsIncompleteError
	if !errors.As(err, &incomplete) || len(incomplete.ScopeIDs) != 1 || incomplete.ScopeIDs[0] != scopes[1].ID {
		t.Fatalf("offending scopes = %+v", incomplete)
	}

	got, err := h.svc.Find(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != StatusInProgress || got.FinalReportURL != "" {
		t.Fatalf("blocked completion mutated the review: %+v", got)
	}
	if h.assembler.calls != 0 {
		t.Fatal("assembler must not run for a blocked completion")
	}
}

func TestCompleteVendorNamesUnconfirmedAccounts(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	scopes := h.scopes(t, rev.ID)
	objs := h.objects(t, scopes[0].ID)
	if err := h.svc.MarkAccountReviewed(context.Background(), objs[0].ID, "user-1", nil, nil); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}

	err := h.svc.CompleteVendor(context.Background(), scopes[0].ID, "user-1")
	if !errors.Is(err, ErrUnconfirmedAccounts) {
		t.Fatalf("err = %v, want ErrUnconfirmedAccounts", err)
	}
	var unconfirmed *UnconfirmedAccountsError
	if !errors.As(err, &unconfirmed) || len(unconfirmed.ObjectIDs) != 1 || unconfirmed.ObjectIDs[0] != objs[1].ID {
		t.Fatalf("offending objects = %+v", unconfirmed)
	}
}

func TestEmptyVendorScopeCompletesWithoutReviewerAction(t *testing.T) {
	h := newHarness(t)
	if err := h.store.Preferences(context.Background()).UpsertVendorPreference(context.Background(), VendorPreference{
		OrganizationID: "org-1", VendorID: "v-d", VendorName: "Delta", InScope: true,
	}); err != nil {
		t.Fatalf("seed vendor preference: %v", err)
	}
	rev := h.start(t)

	var empty VendorScope
	for _, sc := range h.scopes(t, rev.ID) {
		if sc.VendorName == "Delta" {
			empty = sc
		}
	}
	if empty.ID == "" {
		t.Fatal("a vendor with no accounts still gets a scope")
	}
	if empty.Status != ScopeNotStarted {
		t.Fatalf("status = %s, want not_started", empty.Status)
	}
	if objs := h.objects(t, empty.ID); len(objs) != 0 {
		t.Fatalf("objects = %d, want 0", len(objs))
	}

	// No accounts means nothing to confirm: sign-off goes straight through.
	if err := h.svc.CompleteVendor(context.Background(), empty.ID, "user-1"); err != nil {
		t.Fatalf("complete empty vendor: %v", err)
	}
	got, err := h.store.Scopes(context.Background()).Find(context.Background(), empty.ID)
	if err != nil {
		t.Fatalf("find scope: %v", err)
	}
	if got.Status != ScopeCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestCompletedVendorRejectsFurtherDecisions(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	scopes := h.scopes(t, rev.ID)

	objs := h.objects(t, scopes[0].ID)
	att := &Attachment{Filename: "ticket.pdf", Data: []byte("ok")}
	if err := h.svc.MarkAccountReviewed(context.Background(), objs[0].ID, "user-1", nil, att); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	for _, obj := range objs[1:] {
		if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, nil); err != nil {
			t.Fatalf("mark reviewed: %v", err)
		}
	}
	if err := h.svc.CompleteVendor(context.Background(), scopes[0].ID, "user-1"); err != nil {
		t.Fatalf("complete vendor: %v", err)
	}

	// A completed vendor is frozen: no decision on its accounts may land,
	// or a later CompleteReview would seal an unconfirmed object.
	if err := h.svc.MarkAccountUnreviewed(context.Background(), objs[0].ID, "user-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("unreview after vendor completion err = %v, want ErrTerminal", err)
	}
	if err := h.svc.MarkAccountReviewed(context.Background(), objs[0].ID, "user-1", nil, nil); !errors.Is(err, ErrTerminal) {
		t.Fatalf("re-review after vendor completion err = %v, want ErrTerminal", err)
	}
	if err := h.svc.ClearAccountAttachment(context.Background(), objs[0].ID, "user-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("clear attachment after vendor completion err = %v, want ErrTerminal", err)
	}

	for _, obj := range h.objects(t, scopes[0].ID) {
		if !obj.Confirmed {
			t.Fatalf("object %s lost confirmation behind a completed vendor", obj.ID)
		}
	}

	// Finishing the rest of the review still works and every object
	// stays confirmed at completion.
	for _, obj := range h.objects(t, scopes[1].ID) {
		if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, nil); err != nil {
			t.Fatalf("mark reviewed: %v", err)
		}
	}
	if err := h.svc.CompleteVendor(context.Background(), scopes[1].ID, "user-1"); err != nil {
		t.Fatalf("complete vendor: %v", err)
	}
	done, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if done.Status != StatusDone {
		t.Fatalf("status = %s", done.Status)
	}
	for _, sc := range h.scopes(t, rev.ID) {
		for _, obj := range h.objects(t, sc.ID) {
			if !obj.Confirmed {
				t.Fatalf("done review holds unconfirmed object %s", obj.ID)
			}
		}
	}
}

func TestCancelReviewIdempotent(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)

	if err := h.svc.CancelReview(context.Background(), rev.ID, "user-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := h.svc.CancelReview(context.Background(), rev.ID, "user-1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	got, err := h.svc.Find(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Status != StatusCanceled || got.CompletedAt == nil {
		t.Fatalf("review = %+v", got)
	}
	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var cancels int
	for _, ev := range events {
		if ev.Type == EventCancelReview {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("cancel events = %d, want 1 (idempotent cancel appends nothing)", cancels)
	}

	if _, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("complete after cancel err = %v, want ErrTerminal", err)
	}
}

func TestCancelDoneReviewIsTerminal(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	h.reviewAll(t, rev.ID)
	if _, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := h.svc.CancelReview(context.Background(), rev.ID, "user-1"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}
}

func TestMarkAccountReviewedRebaselines(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	scopes := h.scopes(t, rev.ID)
	obj := h.objects(t, scopes[0].ID)[0]

	// A prior reconciliation observed a modification.
	changed, err := laika.Canonical(map[string]any{"roles": []string{"superadmin"}})
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	obj.Status = ObjectModified
	obj.LatestAccess = changed.JSON()
	if err := h.store.Objects(context.Background()).UpdateReview(context.Background(), obj, nil); err != nil {
		t.Fatalf("seed modification: %v", err)
	}

	notes := "elevation approved by security"
	att := &Attachment{Filename: "ticket.txt", Data: []byte("SEC-1432")}
	if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", &notes, att); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}

	got, err := h.store.Objects(context.Background()).Find(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !got.Confirmed {
		t.Fatal("object must be confirmed")
	}
	if string(got.OriginalAccess) != string(changed.JSON()) {
		t.Fatalf("baseline = %s, want the acknowledged latest state", got.OriginalAccess)
	}
	if got.Notes != notes {
		t.Fatalf("notes = %q", got.Notes)
	}
	if got.NoteAttachmentURL == "" {
		t.Fatal("attachment url not recorded")
	}
	if string(h.blobs.data[blob.NotePath(rev.ID, "ticket.txt")]) != "SEC-1432" {
		t.Fatal("attachment blob not stored")
	}
	if got.EvidenceURL != "mem://o/"+obj.ID || got.EvidenceType != ObjectModified {
		t.Fatalf("evidence = %q type %q", got.EvidenceURL, got.EvidenceType)
	}

	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := strings.Join(eventTypes(events), ",")
	for _, want := range []EventType{EventReviewedAccounts, EventCreateUpdateAccounts, EventAddAttachment} {
		if !strings.Contains(types, string(want)) {
			t.Fatalf("events %s missing %s", types, want)
		}
	}
}

func TestMarkAccountUnreviewed(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	obj := h.objects(t, h.scopes(t, rev.ID)[0].ID)[0]

	if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, nil); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	if err := h.svc.MarkAccountUnreviewed(context.Background(), obj.ID, "user-1"); err != nil {
		t.Fatalf("mark unreviewed: %v", err)
	}
	got, err := h.store.Objects(context.Background()).Find(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.Confirmed {
		t.Fatal("sign-off must be withdrawn")
	}
	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if last := events[len(events)-1]; last.Type != EventUnreviewedAccounts || last.ObjectIDs[0] != obj.ID {
		t.Fatalf("last event = %+v", last)
	}
}

func TestClearAttachment(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	obj := h.objects(t, h.scopes(t, rev.ID)[0].ID)[0]

	// Clearing an object that never had an attachment appends nothing.
	before, _ := h.svc.Events(context.Background(), rev.ID)
	if err := h.svc.ClearAccountAttachment(context.Background(), obj.ID, "user-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	after, _ := h.svc.Events(context.Background(), rev.ID)
	if len(after) != len(before) {
		t.Fatal("no-op clear must not append events")
	}

	att := &Attachment{Filename: "ticket.txt", Data: []byte("SEC-1")}
	if err := h.svc.MarkAccountReviewed(context.Background(), obj.ID, "user-1", nil, att); err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	if err := h.svc.ClearAccountAttachment(context.Background(), obj.ID, "user-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := h.store.Objects(context.Background()).Find(context.Background(), obj.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.NoteAttachmentURL != "" {
		t.Fatalf("attachment url = %q, want cleared", got.NoteAttachmentURL)
	}
	events, _ := h.svc.Events(context.Background(), rev.ID)
	if last := events[len(events)-1]; last.Type != EventClearAttachment {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestRecordHelpOpened(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	if err := h.svc.RecordHelpOpened(context.Background(), rev.ID, "user-1"); err != nil {
		t.Fatalf("record: %v", err)
	}
	events, err := h.svc.Events(context.Background(), rev.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if last := events[len(events)-1]; last.Type != EventHelpModalOpened {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestFinalSnapshotFallsBackToLastObserved(t *testing.T) {
	h := newHarness(t)
	rev := h.start(t)
	h.reviewAll(t, rev.ID)

	// The integration loses one account between review and completion.
	h.provider.Remove("acc-alice")

	if _, err := h.svc.CompleteReview(context.Background(), rev.ID, "user-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for _, sc := range h.scopes(t, rev.ID) {
		for _, obj := range h.objects(t, sc.ID) {
			if obj.LaikaObjectID != "acc-alice" {
				continue
			}
			if string(obj.FinalSnapshot) != string(obj.OriginalAccess) {
				t.Fatalf("final snapshot = %s, want the last observed baseline %s", obj.FinalSnapshot, obj.OriginalAccess)
			}
		}
	}
}
