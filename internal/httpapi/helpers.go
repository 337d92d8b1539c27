package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"accessreview.org/internal/audit"
	"accessreview.org/internal/laika"
	"accessreview.org/internal/locks"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/prefs"
	"accessreview.org/internal/review"
)

func (a *API) audit(r *http.Request, event string, fields map[string]any) {
	ctx := audit.WithRequestID(r.Context(), RequestIDFromContext(r.Context()))
	ctx = audit.WithActor(ctx, a.actor(r))
	_ = audit.LogEvent(ctx, event, fields)
}

func obsLogError(r *http.Request, msg string, err error) {
	obs.LogRequest(map[string]any{
		"level":      "error",
		"msg":        msg,
		"error":      err.Error(),
		"path":       r.URL.Path,
		"request_id": RequestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleReviewError(w http.ResponseWriter, r *http.Request, err error) {
	var unconfirmed *review.UnconfirmedAccountsError
	var incomplete *review.VendorsIncompleteError
	switch {
	case errors.As(err, &unconfirmed):
		writeConflict(w, r, "accounts pending confirmation", "object_ids", unconfirmed.ObjectIDs)
	case errors.As(err, &incomplete):
		writeConflict(w, r, "vendor scopes incomplete", "scope_ids", incomplete.ScopeIDs)
	case errors.Is(err, review.ErrAlreadyRunning):
		writeError(w, r, http.StatusConflict, "another review is in progress")
	case errors.Is(err, review.ErrTerminal):
		writeError(w, r, http.StatusConflict, "review is in a terminal state")
	case errors.Is(err, review.ErrNotConfigured):
		writeError(w, r, http.StatusUnprocessableEntity, "review preferences not configured")
	case errors.Is(err, review.ErrNotFound), errors.Is(err, laika.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, prefs.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, locks.ErrHeld):
		writeError(w, r, http.StatusLocked, "scope reconciliation already in progress")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeConflict(w http.ResponseWriter, r *http.Request, msg, idsField string, ids []string) {
	payload := map[string]any{
		"error":  msg,
		idsField: ids,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusConflict, payload)
}

func requireActor(w http.ResponseWriter, r *http.Request, a *API) (string, bool) {
	actor := a.actor(r)
	if strings.TrimSpace(actor) == "" {
		writeError(w, r, http.StatusUnauthorized, "acting user is required")
		return "", false
	}
	return actor, true
}
