package review

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a review cycle.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusCanceled }

// ScopeStatus is the lifecycle state of a per-vendor scope within a review.
type ScopeStatus string

const (
	ScopeNotStarted ScopeStatus = "not_started"
	ScopeInProgress ScopeStatus = "in_progress"
	ScopeCompleted  ScopeStatus = "completed"
)

// ObjectStatus tracks what reconciliation observed for one account.
type ObjectStatus string

const (
	ObjectUnchanged ObjectStatus = "unchanged"
	ObjectModified  ObjectStatus = "modified"
	ObjectRevoked   ObjectStatus = "revoked"
)

// Localized returns the display form used by CSV export and reports.
func (s ObjectStatus) Localized() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s)[:1]) + string(s)[1:]
}

// Source describes where a vendor scope's account data comes from.
type Source string

const (
	SourceIntegration Source = "integration"
	SourceSSO         Source = "sso"
	SourceManual      Source = "manual"
)

// Frequency is the review cadence configured per organization.
type Frequency string

const (
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyMonthly   Frequency = "monthly"
)

// Criticality weights the review in the organization's compliance program.
type Criticality string

const (
	CriticalityHigh   Criticality = "high"
	CriticalityMedium Criticality = "medium"
	CriticalityLow    Criticality = "low"
)

// Preference is the singleton per-organization review configuration.
type Preference struct {
	OrganizationID string
	Frequency      Frequency
	Criticality    Criticality
	DueDate        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VendorPreference scopes one vendor in or out of the organization's
// reviews and names its reviewers.
type VendorPreference struct {
	OrganizationID       string
	VendorID             string
	VendorName           string
	InScope              bool
	ReviewerIDs          []string
	OrganizationVendorID string // empty when the vendor is not yet adopted
}

// ExternalOwner is a non-user party who may hold access at a vendor.
type ExternalOwner struct {
	ID             string
	OrganizationID string
	Name           string
	Email          string
}

// User is the slice of the identity system the engine needs: enough to
// attribute events and render reviewer names.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// Name returns the display name for reports.
func (u User) Name() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full != "" {
		return full
	}
	return u.Email
}

// Review is one audit cycle.
type Review struct {
	ID             string
	OrganizationID string
	Name           string
	Status         Status
	CreatedAt      time.Time
	CreatedBy      string
	DueDate        *time.Time
	CompletedAt    *time.Time
	FinalReportURL string // set exactly when transitioning to done
}

// VendorScope is the per-vendor subset of a review.
type VendorScope struct {
	ID         string
	ReviewID   string
	VendorID   string
	VendorName string
	Source     Source
	Status     ScopeStatus
	SyncedAt   *time.Time // last reconciliation, nil until the first run
}

// AccountObject is one external account under review. It weakly references
// the laika object owned by the integration subsystem; everything the audit
// trail needs is copied here.
type AccountObject struct {
	ID            string
	ScopeID       string
	LaikaObjectID string
	Status        ObjectStatus
	// OriginalAccess is the canonical permissions baseline recorded when the
	// object entered the review (or when a reviewer re-baselined it).
	OriginalAccess json.RawMessage
	// LatestAccess is the most recent permissions seen after a detected
	// modification; nil until the first one.
	LatestAccess json.RawMessage
	// FinalSnapshot is written exactly once, at review completion.
	FinalSnapshot     json.RawMessage
	Confirmed         bool
	Notes             string
	NoteAttachmentURL string
	EvidenceURL       string
	// EvidenceType is the update_type baked into the last rendered artifact.
	EvidenceType ObjectStatus
	UpdatedAt    time.Time
}

// EventType enumerates the reviewer actions recorded in the audit trail.
type EventType string

const (
	EventHelpModalOpened      EventType = "help_modal_opened"
	EventCancelReview         EventType = "cancel_access_review"
	EventCreateReview         EventType = "create_access_review"
	EventCompleteReview       EventType = "complete_access_review"
	EventCompleteReviewVendor EventType = "complete_access_review_vendor"
	EventReviewedAccounts     EventType = "reviewed_accounts"
	EventUnreviewedAccounts   EventType = "unreviewed_accounts"
	EventCreateUpdateAccounts EventType = "create_or_update_accounts"
	EventAddAttachment        EventType = "add_accounts_attachment"
	EventClearAttachment      EventType = "clear_accounts_attachment"
)

// UserEvent is one append-only audit trail entry. Events are never mutated
// or deleted; they are the evidence that a review happened.
type UserEvent struct {
	ID         string
	ReviewID   string
	ScopeID    string // optional
	ActorID    string
	Type       EventType
	ObjectIDs  []string
	OccurredAt time.Time
}

// Attachment is a reviewer-supplied note attachment.
type Attachment struct {
	Filename string
	Data     []byte
}
