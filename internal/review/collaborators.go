package review

import (
	"context"
	"time"

	"accessreview.org/internal/laika"
)

// ArtifactInput is everything the evidence builder needs to render one
// per-account artifact. The builder is pure with respect to this input.
type ArtifactInput struct {
	ReviewID   string
	ReviewName string
	VendorName string
	Object     AccountObject
	Account    laika.Object
	Reviewers  []string
	UpdatedAt  time.Time
}

// ArtifactRef locates a rendered artifact and records the update_type it
// was rendered with.
type ArtifactRef struct {
	URL  string
	Type ObjectStatus
}

// ArtifactBuilder renders and persists per-account evidence artifacts.
type ArtifactBuilder interface {
	Build(ctx context.Context, in ArtifactInput) (ArtifactRef, error)
}

// AssembleInput is the full review state handed to the report assembler at
// completion time.
type AssembleInput struct {
	Review      Review
	Scopes      []VendorScope
	Objects     map[string][]AccountObject // scope id -> objects, id ascending
	Events      []UserEvent
	Accounts    map[string]laika.Object // laika object id -> snapshot
	Users       map[string]User         // reviewer id -> user
	CompletedBy string
	// Now is captured once at the start of assembly so that zip entry
	// times are identical across runs over identical inputs.
	Now time.Time
}

// AssembleStats reports non-fatal irregularities found during assembly.
type AssembleStats struct {
	// SkippedAccounts counts objects left out of the summary because they
	// carry no reviewed_accounts event.
	SkippedAccounts int
}

// Assembler produces the final audit archive.
type Assembler interface {
	Assemble(ctx context.Context, in AssembleInput) ([]byte, AssembleStats, error)
}
