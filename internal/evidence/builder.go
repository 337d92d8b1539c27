package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accessreview.org/internal/blob"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/review"
)

// ErrRenderFailed wraps persistent renderer failures. The object's prior
// artifact is left untouched when this surfaces.
var ErrRenderFailed = errors.New("evidence: render failed")

// Context is the template context of the per-account artifact. The field
// set is stable across versions; tests rely on it.
type Context struct {
	AccessReviewName string        `json:"access_review_name"`
	VendorName       string        `json:"vendor_name"`
	AccountName      string        `json:"account_name"`
	AccountID        string        `json:"account_id"`
	Email            string        `json:"email"`
	UpdatedAt        time.Time     `json:"updated_at"`
	UpdateType       string        `json:"update_type"`
	IsDeleted        bool          `json:"is_deleted"`
	Reviewers        []string      `json:"reviewers"`
	UpdateDetails    UpdateDetails `json:"update_details"`
}

// UpdateDetails carries the before/after permission states.
type UpdateDetails struct {
	OriginalState json.RawMessage `json:"original_state"`
	CurrentState  json.RawMessage `json:"current_state"`
}

// Builder renders per-account evidence artifacts and persists them. It is
// pure with respect to its input: identical inputs produce byte-identical
// artifacts.
type Builder struct {
	renderer Renderer
	blobs    blob.Storage
}

// NewBuilder wires the renderer and blob storage collaborators.
func NewBuilder(renderer Renderer, blobs blob.Storage) *Builder {
	return &Builder{renderer: renderer, blobs: blobs}
}

var _ review.ArtifactBuilder = (*Builder)(nil)

// Build renders the artifact for one account object and overwrites the
// stored blob. A render failure is retried once; persistent failure
// surfaces without touching the prior artifact.
func (b *Builder) Build(ctx context.Context, in review.ArtifactInput) (review.ArtifactRef, error) {
	tplCtx := BuildContext(in)
	pdf, err := b.renderer.RenderPDF(ctx, TemplateAccountEvidence, tplCtx, OrientationPortrait)
	if err != nil {
		pdf, err = b.renderer.RenderPDF(ctx, TemplateAccountEvidence, tplCtx, OrientationPortrait)
	}
	if err != nil {
		return review.ArtifactRef{}, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}
	url, err := b.blobs.Put(ctx, blob.EvidencePath(in.ReviewID, Filename(in)), pdf)
	if err != nil {
		return review.ArtifactRef{}, err
	}
	obs.ArtifactsRendered.Inc()
	return review.ArtifactRef{URL: url, Type: in.Object.Status}, nil
}

// BuildContext derives the template context from the artifact input.
func BuildContext(in review.ArtifactInput) Context {
	current := in.Object.LatestAccess
	if current == nil {
		current = in.Object.OriginalAccess
	}
	reviewers := in.Reviewers
	if reviewers == nil {
		reviewers = []string{}
	}
	return Context{
		AccessReviewName: in.ReviewName,
		VendorName:       in.VendorName,
		AccountName:      in.Account.DisplayName(),
		AccountID:        in.Object.LaikaObjectID,
		Email:            in.Account.Email(),
		UpdatedAt:        in.UpdatedAt,
		UpdateType:       string(in.Object.Status),
		IsDeleted:        in.Object.Status == review.ObjectRevoked,
		Reviewers:        reviewers,
		UpdateDetails: UpdateDetails{
			OriginalState: in.Object.OriginalAccess,
			CurrentState:  current,
		},
	}
}

// Filename names the artifact after the account, falling back to the
// object id for accounts with no usable name.
func Filename(in review.ArtifactInput) string {
	identifier := in.Account.DisplayName()
	if identifier == "" {
		identifier = in.Object.ID
	}
	return "Account Evidence - " + identifier + ".pdf"
}
