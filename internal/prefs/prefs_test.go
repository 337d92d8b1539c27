package prefs

import (
	"context"
	"errors"
	"testing"
	"time"

	"accessreview.org/internal/review"
)

var prefNow = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

func newService(store *review.InMemory) *Service {
	return NewService(store, WithClock(func() time.Time { return prefNow }))
}

func TestGetPreferenceNotConfigured(t *testing.T) {
	svc := newService(review.NewInMemory())
	if _, err := svc.GetPreference(context.Background(), "org-1"); !errors.Is(err, review.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestSetPreferenceDefaults(t *testing.T) {
	svc := newService(review.NewInMemory())
	pref, err := svc.SetPreference(context.Background(), review.Preference{OrganizationID: "org-1"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if pref.Frequency != review.FrequencyQuarterly || pref.Criticality != review.CriticalityLow {
		t.Fatalf("defaults = %s/%s", pref.Frequency, pref.Criticality)
	}
	if !pref.CreatedAt.Equal(prefNow) || !pref.UpdatedAt.Equal(prefNow) {
		t.Fatalf("timestamps = %v/%v", pref.CreatedAt, pref.UpdatedAt)
	}
}

func TestSetPreferenceKeepsCreatedAt(t *testing.T) {
	store := review.NewInMemory()
	svc := NewService(store, WithClock(func() time.Time { return prefNow }))
	if _, err := svc.SetPreference(context.Background(), review.Preference{OrganizationID: "org-1"}); err != nil {
		t.Fatalf("first set: %v", err)
	}
	later := prefNow.Add(48 * time.Hour)
	svc.now = func() time.Time { return later }
	pref, err := svc.SetPreference(context.Background(), review.Preference{
		OrganizationID: "org-1",
		Frequency:      review.FrequencyMonthly,
		Criticality:    review.CriticalityHigh,
	})
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if !pref.CreatedAt.Equal(prefNow) {
		t.Fatalf("created at = %v, want original %v", pref.CreatedAt, prefNow)
	}
	if !pref.UpdatedAt.Equal(later) {
		t.Fatalf("updated at = %v", pref.UpdatedAt)
	}
	if pref.Frequency != review.FrequencyMonthly || pref.Criticality != review.CriticalityHigh {
		t.Fatalf("values = %s/%s", pref.Frequency, pref.Criticality)
	}
}

func TestSetPreferenceRejectsUnknownValues(t *testing.T) {
	svc := newService(review.NewInMemory())
	if _, err := svc.SetPreference(context.Background(), review.Preference{OrganizationID: "org-1", Frequency: "weekly"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("frequency err = %v, want ErrInvalid", err)
	}
	if _, err := svc.SetPreference(context.Background(), review.Preference{OrganizationID: "org-1", Criticality: "extreme"}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("criticality err = %v, want ErrInvalid", err)
	}
}

func TestVendorPreferenceScoping(t *testing.T) {
	store := review.NewInMemory()
	store.SeedUser(review.User{ID: "user-1", FirstName: "Nora", LastName: "Reyes"})
	svc := newService(store)

	prefs := []review.VendorPreference{
		{OrganizationID: "org-1", VendorID: "v-a", VendorName: "Acme", InScope: true, ReviewerIDs: []string{"user-1"}},
		{OrganizationID: "org-1", VendorID: "v-b", VendorName: "Beta", InScope: false},
	}
	for _, vp := range prefs {
		if err := svc.SetVendorPreference(context.Background(), vp); err != nil {
			t.Fatalf("set vendor pref: %v", err)
		}
	}

	inScope, err := svc.ListInScopeVendors(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("list in scope: %v", err)
	}
	if len(inScope) != 1 || inScope[0].VendorID != "v-a" {
		t.Fatalf("in scope = %+v", inScope)
	}

	reviewers, err := svc.ListReviewers(context.Background(), "org-1", "v-a")
	if err != nil {
		t.Fatalf("list reviewers: %v", err)
	}
	if len(reviewers) != 1 || reviewers[0].Name() != "Nora Reyes" {
		t.Fatalf("reviewers = %+v", reviewers)
	}

	none, err := svc.ListReviewers(context.Background(), "org-1", "v-b")
	if err != nil {
		t.Fatalf("list reviewers: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("reviewers for v-b = %+v", none)
	}
}

func TestSetVendorPreferenceRejectsUnknownReviewer(t *testing.T) {
	svc := newService(review.NewInMemory())
	err := svc.SetVendorPreference(context.Background(), review.VendorPreference{
		OrganizationID: "org-1", VendorID: "v-a", ReviewerIDs: []string{"ghost"},
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSetVendorPreferenceReplaces(t *testing.T) {
	store := review.NewInMemory()
	store.SeedUser(review.User{ID: "user-1", Email: "nora@example.com"})
	svc := newService(store)

	for _, vp := range []review.VendorPreference{
		{OrganizationID: "org-1", VendorID: "v-a", InScope: true, ReviewerIDs: []string{"user-1"}},
		{OrganizationID: "org-1", VendorID: "v-a", InScope: false},
	} {
		if err := svc.SetVendorPreference(context.Background(), vp); err != nil {
			t.Fatalf("set vendor pref: %v", err)
		}
	}
	all, err := svc.ListVendorPreferences(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].InScope || len(all[0].ReviewerIDs) != 0 {
		t.Fatalf("prefs = %+v", all)
	}
}

func TestListIntegratedVendorIDs(t *testing.T) {
	store := review.NewInMemory()
	store.SeedIntegration("org-1", "v-a")
	svc := newService(store)
	ids, err := svc.ListIntegratedVendorIDs(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := ids["v-a"]; !ok || len(ids) != 1 {
		t.Fatalf("ids = %v", ids)
	}
}
