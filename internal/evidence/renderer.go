package evidence

import (
	"context"
	"encoding/json"
)

// Template ids understood by the document back-end.
const (
	TemplateAccountEvidence = "account_level_evidence"
	TemplateSummary         = "access_review_summary"
)

// Page orientations.
const (
	OrientationPortrait  = ""
	OrientationLandscape = "landscape"
)

// Renderer is the document back-end capability the engine consumes. It is
// stateless; given identical inputs it must produce identical bytes.
type Renderer interface {
	RenderPDF(ctx context.Context, templateID string, context any, orientation string) ([]byte, error)
}

// EchoRenderer serializes the template context instead of rendering a real
// document. The test suite injects it to assert on context contents; it is
// also the default back-end when no renderer is configured.
type EchoRenderer struct{}

func (EchoRenderer) RenderPDF(ctx context.Context, templateID string, tplCtx any, orientation string) ([]byte, error) {
	payload := map[string]any{
		"template": templateID,
		"context":  tplCtx,
	}
	if orientation != OrientationPortrait {
		payload["orientation"] = orientation
	}
	return json.Marshal(payload)
}
