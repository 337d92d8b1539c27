package prefs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"accessreview.org/internal/review"
)

// ErrInvalid flags a rejected configuration value.
var ErrInvalid = errors.New("prefs: invalid value")

// Service exposes the per-organization review configuration: cadence,
// criticality, vendor scoping and reviewer assignments. The pipeline
// consumes it read-only; admins mutate it through Set*.
type Service struct {
	store review.Store
	now   func() time.Time
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wraps the store's preference operations.
func NewService(store review.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetPreference returns the organization's singleton preference, or
// review.ErrNotConfigured when the organization never configured reviews.
func (s *Service) GetPreference(ctx context.Context, orgID string) (review.Preference, error) {
	return s.store.Preferences(ctx).Get(ctx, orgID)
}

// SetPreference creates or updates the singleton. Zero-valued cadence and
// criticality take the defaults: quarterly, low.
func (s *Service) SetPreference(ctx context.Context, pref review.Preference) (review.Preference, error) {
	if pref.OrganizationID == "" {
		return review.Preference{}, fmt.Errorf("%w: organization id is required", ErrInvalid)
	}
	switch pref.Frequency {
	case "":
		pref.Frequency = review.FrequencyQuarterly
	case review.FrequencyQuarterly, review.FrequencyMonthly:
	default:
		return review.Preference{}, fmt.Errorf("%w: frequency %q", ErrInvalid, pref.Frequency)
	}
	switch pref.Criticality {
	case "":
		pref.Criticality = review.CriticalityLow
	case review.CriticalityHigh, review.CriticalityMedium, review.CriticalityLow:
	default:
		return review.Preference{}, fmt.Errorf("%w: criticality %q", ErrInvalid, pref.Criticality)
	}

	now := s.now().UTC()
	existing, err := s.store.Preferences(ctx).Get(ctx, pref.OrganizationID)
	switch {
	case errors.Is(err, review.ErrNotConfigured):
		pref.CreatedAt = now
	case err != nil:
		return review.Preference{}, err
	default:
		pref.CreatedAt = existing.CreatedAt
	}
	pref.UpdatedAt = now
	if err := s.store.Preferences(ctx).Upsert(ctx, pref); err != nil {
		return review.Preference{}, err
	}
	return pref, nil
}

// SetVendorPreference scopes one vendor in or out and records its
// reviewers. At most one preference exists per (organization, vendor);
// repeated calls replace it.
func (s *Service) SetVendorPreference(ctx context.Context, pref review.VendorPreference) error {
	if pref.OrganizationID == "" || pref.VendorID == "" {
		return fmt.Errorf("%w: organization and vendor ids are required", ErrInvalid)
	}
	for _, id := range pref.ReviewerIDs {
		if _, err := s.store.Users(ctx).Find(ctx, id); err != nil {
			return fmt.Errorf("%w: reviewer %s: %v", ErrInvalid, id, err)
		}
	}
	return s.store.Preferences(ctx).UpsertVendorPreference(ctx, pref)
}

// ListVendorPreferences returns every vendor preference for the
// organization, vendor-id ascending.
func (s *Service) ListVendorPreferences(ctx context.Context, orgID string) ([]review.VendorPreference, error) {
	return s.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
}

// ListInScopeVendors returns the vendor preferences with in_scope set.
func (s *Service) ListInScopeVendors(ctx context.Context, orgID string) ([]review.VendorPreference, error) {
	all, err := s.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []review.VendorPreference
	for _, vp := range all {
		if vp.InScope {
			out = append(out, vp)
		}
	}
	return out, nil
}

// ListReviewers resolves the reviewers registered for the (org, vendor)
// pair; empty when none are assigned.
func (s *Service) ListReviewers(ctx context.Context, orgID, vendorID string) ([]review.User, error) {
	all, err := s.store.Preferences(ctx).ListVendorPreferences(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var out []review.User
	for _, vp := range all {
		if vp.VendorID != vendorID {
			continue
		}
		for _, id := range vp.ReviewerIDs {
			u, err := s.store.Users(ctx).Find(ctx, id)
			if err != nil {
				if errors.Is(err, review.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, u)
		}
	}
	return out, nil
}

// ListIntegratedVendorIDs returns the vendors with at least one active
// integration connection.
func (s *Service) ListIntegratedVendorIDs(ctx context.Context, orgID string) (map[string]struct{}, error) {
	return s.store.Preferences(ctx).IntegratedVendorIDs(ctx, orgID)
}
