package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"accessreview.org/internal/review"
	"accessreview.org/internal/stream"
)

type createReviewRequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

type reviewPayload struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CreatedBy      string     `json:"created_by"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FinalReportURL string     `json:"final_report_url,omitempty"`
}

type scopePayload struct {
	ID         string          `json:"id"`
	VendorID   string          `json:"vendor_id"`
	VendorName string          `json:"vendor_name"`
	Source     string          `json:"source"`
	Status     string          `json:"status"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	Objects    []objectPayload `json:"objects"`
}

type objectPayload struct {
	ID                string          `json:"id"`
	LaikaObjectID     string          `json:"laika_object_id"`
	Status            string          `json:"status"`
	Confirmed         bool            `json:"confirmed"`
	OriginalAccess    json.RawMessage `json:"original_access,omitempty"`
	LatestAccess      json.RawMessage `json:"latest_access,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	NoteAttachmentURL string          `json:"note_attachment_url,omitempty"`
	EvidenceURL       string          `json:"evidence_url,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type eventPayload struct {
	ID         string    `json:"id"`
	ScopeID    string    `json:"scope_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Type       string    `json:"type"`
	ObjectIDs  []string  `json:"object_ids,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type markReviewedRequest struct {
	Notes      *string            `json:"notes"`
	Attachment *attachmentPayload `json:"attachment"`
}

type attachmentPayload struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

func toReviewPayload(rev review.Review) reviewPayload {
	return reviewPayload{
		ID:             rev.ID,
		OrganizationID: rev.OrganizationID,
		Name:           rev.Name,
		Status:         string(rev.Status),
		CreatedAt:      rev.CreatedAt,
		CreatedBy:      rev.CreatedBy,
		DueDate:        rev.DueDate,
		CompletedAt:    rev.CompletedAt,
		FinalReportURL: rev.FinalReportURL,
	}
}

func toObjectPayload(obj review.AccountObject) objectPayload {
	return objectPayload{
		ID:                obj.ID,
		LaikaObjectID:     obj.LaikaObjectID,
		Status:            string(obj.Status),
		Confirmed:         obj.Confirmed,
		OriginalAccess:    obj.OriginalAccess,
		LatestAccess:      obj.LatestAccess,
		Notes:             obj.Notes,
		NoteAttachmentURL: obj.NoteAttachmentURL,
		EvidenceURL:       obj.EvidenceURL,
		UpdatedAt:         obj.UpdatedAt,
	}
}

func (a *API) createReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}

	var req createReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		writeError(w, r, http.StatusBadRequest, "organization_id is required")
		return
	}

	rev, res, err := a.reviews.StartReview(r.Context(), req.OrganizationID, actor, strings.TrimSpace(req.Name))
	if err != nil {
		handleReviewError(w, r, err)
		return
	}

	a.audit(r, "review.create", map[string]any{
		"review_id":       rev.ID,
		"organization_id": rev.OrganizationID,
		"scopes":          res.Scopes,
		"objects":         res.Objects,
	})
	a.publish(r, stream.ActivityEvent{ReviewID: rev.ID, Kind: "review.create"})

	w.Header().Set("Location", "/v1/reviews/"+rev.ID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"review":           toReviewPayload(rev),
		"scopes":           res.Scopes,
		"objects":          res.Objects,
		"extract_failures": res.ExtractFailures,
	})
}

func (a *API) getReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rev, err := a.reviews.Find(r.Context(), id)
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	scopes, err := a.reviews.Scopes(r.Context(), id)
	if err != nil {
		handleReviewError(w, r, err)
		return
	}

	payload := struct {
		reviewPayload
		Scopes []scopePayload `json:"scopes"`
	}{reviewPayload: toReviewPayload(rev), Scopes: make([]scopePayload, 0, len(scopes))}

	for _, scope := range scopes {
		_, objs, err := a.reviews.ScopeObjects(r.Context(), scope.ID)
		if err != nil {
			handleReviewError(w, r, err)
			return
		}
		sp := scopePayload{
			ID:         scope.ID,
			VendorID:   scope.VendorID,
			VendorName: scope.VendorName,
			Source:     string(scope.Source),
			Status:     string(scope.Status),
			SyncedAt:   scope.SyncedAt,
			Objects:    make([]objectPayload, 0, len(objs)),
		}
		for _, obj := range objs {
			sp.Objects = append(sp.Objects, toObjectPayload(obj))
		}
		payload.Scopes = append(payload.Scopes, sp)
	}

	writeJSON(w, http.StatusOK, payload)
}

func (a *API) cancelReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.reviews.CancelReview(r.Context(), id, actor); err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "review.cancel", map[string]any{"review_id": id})
	a.publish(r, stream.ActivityEvent{ReviewID: id, Kind: "review.cancel"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) completeReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	rev, err := a.reviews.CompleteReview(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "review.complete", map[string]any{
		"review_id":        rev.ID,
		"final_report_url": rev.FinalReportURL,
	})
	a.publish(r, stream.ActivityEvent{ReviewID: rev.ID, Kind: "review.complete"})
	writeJSON(w, http.StatusOK, toReviewPayload(rev))
}

func (a *API) recordHelpOpened(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	if err := a.reviews.RecordHelpOpened(r.Context(), chi.URLParam(r, "id"), actor); err != nil {
		handleReviewError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.reviews.Events(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	payload := make([]eventPayload, 0, len(events))
	for _, ev := range events {
		payload = append(payload, eventPayload{
			ID:         ev.ID,
			ScopeID:    ev.ScopeID,
			ActorID:    ev.ActorID,
			Type:       string(ev.Type),
			ObjectIDs:  ev.ObjectIDs,
			OccurredAt: ev.OccurredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": payload})
}

func (a *API) reconcileScope(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "id")

	if a.scopeLocks != nil {
		lease, err := a.scopeLocks.AcquireScope(r.Context(), scopeID)
		if err != nil {
			handleReviewError(w, r, err)
			return
		}
		defer func() { _ = lease.Release(r.Context()) }()
	}

	res, err := a.engine.ReconcileScope(r.Context(), scopeID)
	if err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "scope.reconcile", map[string]any{
		"scope_id": scopeID,
		"objects":  res.Objects,
		"changed":  res.Changed,
	})
	a.publish(r, stream.ActivityEvent{ScopeID: scopeID, Kind: "scope.reconcile"})
	writeJSON(w, http.StatusOK, map[string]any{
		"objects":          res.Objects,
		"changed":          res.Changed,
		"modified":         res.Modified,
		"revoked":          res.Revoked,
		"reopened":         res.Reopened,
		"extract_failures": res.ExtractFailures,
		"render_failures":  res.RenderFailures,
	})
}

func (a *API) completeScope(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.reviews.CompleteVendor(r.Context(), id, actor); err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "scope.complete", map[string]any{"scope_id": id})
	a.publish(r, stream.ActivityEvent{ScopeID: id, Kind: "scope.complete"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) exportScopeCSV(w http.ResponseWriter, r *http.Request) {
	scopeID := chi.URLParam(r, "id")
	scope, _, err := a.reviews.ScopeObjects(r.Context(), scopeID)
	if err != nil {
		handleReviewError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+scope.VendorName+` accounts.csv"`)
	if err := a.reviews.ExportScopeCSV(r.Context(), scopeID, w); err != nil {
		// Headers are already out; nothing sane to send but a log line.
		obsLogError(r, "csv export failed", err)
	}
}

func (a *API) markReviewed(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}

	var req markReviewedRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	var attachment *review.Attachment
	if req.Attachment != nil {
		if strings.TrimSpace(req.Attachment.Filename) == "" {
			writeError(w, r, http.StatusBadRequest, "attachment filename is required")
			return
		}
		attachment = &review.Attachment{
			Filename: req.Attachment.Filename,
			Data:     req.Attachment.Data,
		}
	}

	id := chi.URLParam(r, "id")
	if err := a.reviews.MarkAccountReviewed(r.Context(), id, actor, req.Notes, attachment); err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "object.reviewed", map[string]any{"object_id": id})
	a.publish(r, stream.ActivityEvent{ObjectID: id, Kind: "object.reviewed"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markUnreviewed(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.reviews.MarkAccountUnreviewed(r.Context(), id, actor); err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "object.unreviewed", map[string]any{"object_id": id})
	a.publish(r, stream.ActivityEvent{ObjectID: id, Kind: "object.unreviewed"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearAttachment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r, a)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.reviews.ClearAccountAttachment(r.Context(), id, actor); err != nil {
		handleReviewError(w, r, err)
		return
	}
	a.audit(r, "object.attachment_cleared", map[string]any{"object_id": id})
	w.WriteHeader(http.StatusNoContent)
}
