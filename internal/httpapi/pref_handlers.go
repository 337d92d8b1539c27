package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"accessreview.org/internal/review"
)

type preferencePayload struct {
	OrganizationID string     `json:"organization_id"`
	Frequency      string     `json:"frequency"`
	Criticality    string     `json:"criticality"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type putPreferenceRequest struct {
	Frequency   string     `json:"frequency"`
	Criticality string     `json:"criticality"`
	DueDate     *time.Time `json:"due_date"`
}

type vendorPreferencePayload struct {
	VendorID             string   `json:"vendor_id"`
	VendorName           string   `json:"vendor_name"`
	InScope              bool     `json:"in_scope"`
	ReviewerIDs          []string `json:"reviewer_ids"`
	OrganizationVendorID string   `json:"organization_vendor_id,omitempty"`
}

type putVendorPreferenceRequest struct {
	VendorName           string   `json:"vendor_name"`
	InScope              bool     `json:"in_scope"`
	ReviewerIDs          []string `json:"reviewer_ids"`
	OrganizationVendorID string   `json:"organization_vendor_id"`
}

func toPreferencePayload(pref review.Preference) preferencePayload {
	return preferencePayload{
		OrganizationID: pref.OrganizationID,
		Frequency:      string(pref.Frequency),
		Criticality:    string(pref.Criticality),
		DueDate:        pref.DueDate,
		CreatedAt:      pref.CreatedAt,
		UpdatedAt:      pref.UpdatedAt,
	}
}

func (a *API) getPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := a.prefs.GetPreference(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreferencePayload(pref))
}

func (a *API) putPreference(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, a); !ok {
		return
	}

	var req putPreferenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pref, err := a.prefs.SetPreference(r.Context(), review.Preference{
		OrganizationID: chi.URLParam(r, "orgID"),
		Frequency:      review.Frequency(req.Frequency),
		Criticality:    review.Criticality(req.Criticality),
		DueDate:        req.DueDate,
	})
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "preference.set", map[string]any{
		"organization_id": pref.OrganizationID,
		"frequency":       string(pref.Frequency),
		"criticality":     string(pref.Criticality),
	})
	writeJSON(w, http.StatusOK, toPreferencePayload(pref))
}

func (a *API) listVendorPreferences(w http.ResponseWriter, r *http.Request) {
	vendors, err := a.prefs.ListVendorPreferences(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	payload := make([]vendorPreferencePayload, 0, len(vendors))
	for _, v := range vendors {
		payload = append(payload, vendorPreferencePayload{
			VendorID:             v.VendorID,
			VendorName:           v.VendorName,
			InScope:              v.InScope,
			ReviewerIDs:          v.ReviewerIDs,
			OrganizationVendorID: v.OrganizationVendorID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (a *API) putVendorPreference(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r, a); !ok {
		return
	}

	var req putVendorPreferenceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	err := a.prefs.SetVendorPreference(r.Context(), review.VendorPreference{
		OrganizationID:       chi.URLParam(r, "orgID"),
		VendorID:             chi.URLParam(r, "vendorID"),
		VendorName:           req.VendorName,
		InScope:              req.InScope,
		ReviewerIDs:          req.ReviewerIDs,
		OrganizationVendorID: req.OrganizationVendorID,
	})
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "preference.vendor_set", map[string]any{
		"organization_id": chi.URLParam(r, "orgID"),
		"vendor_id":       chi.URLParam(r, "vendorID"),
		"in_scope":        req.InScope,
	})
	w.WriteHeader(http.StatusNoContent)
}
