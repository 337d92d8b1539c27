package report

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	"github.com/klauspost/compress/flate"

	"accessreview.org/internal/blob"
	"accessreview.org/internal/evidence"
	"accessreview.org/internal/laika"
	"accessreview.org/internal/obs"
	"accessreview.org/internal/review"
)

// Assembler builds the final audit archive: the summary document plus
// every per-account artifact and note attachment, in a deterministic
// layout. Identical inputs produce identical archives.
type Assembler struct {
	renderer evidence.Renderer
	blobs    blob.Storage
}

// NewAssembler wires the renderer and blob storage collaborators.
func NewAssembler(renderer evidence.Renderer, blobs blob.Storage) *Assembler {
	return &Assembler{renderer: renderer, blobs: blobs}
}

var _ review.Assembler = (*Assembler)(nil)

// summaryContext is the template context of the summary document.
type summaryContext struct {
	AccessReviewName string          `json:"access_review_name"`
	CompletedBy      string          `json:"completed_by"`
	CompletedAt      time.Time       `json:"completed_at"`
	Vendors          []vendorSummary `json:"vendors"`
}

type vendorSummary struct {
	VendorName string       `json:"vendor_name"`
	Unchanged  []accountRow `json:"unchanged"`
	Modified   []accountRow `json:"modified"`
	Revoked    []accountRow `json:"revoked"`
}

type accountRow struct {
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Reviewer   string    `json:"reviewer"`
	Roles      string    `json:"roles"`
	ReviewedAt time.Time `json:"reviewed_at"`
	Notes      string    `json:"notes"`
}

type reviewedMark struct {
	actorID string
	at      time.Time
}

// Assemble produces the archive bytes. Zip entry times all use in.Now so
// that two runs over identical inputs are byte-identical.
func (a *Assembler) Assemble(ctx context.Context, in review.AssembleInput) ([]byte, review.AssembleStats, error) {
	stamp := in.Now.UTC()
	marks := latestReviewedMarks(in.Events)

	scopes := append([]review.VendorScope(nil), in.Scopes...)
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].VendorName != scopes[j].VendorName {
			return scopes[i].VendorName < scopes[j].VendorName
		}
		return scopes[i].ID < scopes[j].ID
	})

	var stats review.AssembleStats
	summary := summaryContext{
		AccessReviewName: in.Review.Name,
		CompletedBy:      reviewerName(in.Users, in.CompletedBy),
		CompletedAt:      stamp,
		Vendors:          make([]vendorSummary, 0, len(scopes)),
	}
	for _, scope := range scopes {
		vs := vendorSummary{
			VendorName: scope.VendorName,
			Unchanged:  []accountRow{},
			Modified:   []accountRow{},
			Revoked:    []accountRow{},
		}
		for _, obj := range in.Objects[scope.ID] {
			mark, ok := marks[obj.ID]
			if !ok {
				// No reviewed_accounts event: the account never passed
				// review and is left out of the summary.
				stats.SkippedAccounts++
				continue
			}
			account := in.Accounts[obj.LaikaObjectID]
			row := accountRow{
				Name:       accountName(account, obj),
				Email:      account.Email(),
				Reviewer:   reviewerName(in.Users, mark.actorID),
				Roles:      account.RolesDisplay(),
				ReviewedAt: mark.at,
				Notes:      obj.Notes,
			}
			switch obj.Status {
			case review.ObjectModified:
				vs.Modified = append(vs.Modified, row)
			case review.ObjectRevoked:
				vs.Revoked = append(vs.Revoked, row)
			default:
				vs.Unchanged = append(vs.Unchanged, row)
			}
		}
		summary.Vendors = append(summary.Vendors, vs)
	}

	summaryPDF, err := a.renderer.RenderPDF(ctx, evidence.TemplateSummary, summary, evidence.OrientationLandscape)
	if err != nil {
		return nil, review.AssembleStats{}, fmt.Errorf("render summary: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	if err := writeEntry(zw, "Summary Report - "+in.Review.Name+".pdf", stamp, summaryPDF); err != nil {
		return nil, review.AssembleStats{}, err
	}
	for _, scope := range scopes {
		base := "evidences/" + scope.VendorName + "/"
		for _, obj := range in.Objects[scope.ID] {
			if obj.EvidenceURL == "" {
				continue
			}
			// The URL recorded at render time names the stored artifact;
			// the account's display name may have drifted since.
			name := path.Base(obj.EvidenceURL)
			data, err := a.readBlob(ctx, blob.EvidencePath(in.Review.ID, name))
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, review.AssembleStats{}, fmt.Errorf("read evidence for %s: %w", obj.ID, err)
			}
			if err := writeEntry(zw, base+"account_level_evidences/"+name, stamp, data); err != nil {
				return nil, review.AssembleStats{}, err
			}
		}
		for _, obj := range in.Objects[scope.ID] {
			if obj.NoteAttachmentURL == "" {
				continue
			}
			name := path.Base(obj.NoteAttachmentURL)
			data, err := a.readBlob(ctx, blob.NotePath(in.Review.ID, name))
			if errors.Is(err, blob.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, review.AssembleStats{}, fmt.Errorf("read attachment for %s: %w", obj.ID, err)
			}
			if err := writeEntry(zw, base+"additional_notes/"+name, stamp, data); err != nil {
				return nil, review.AssembleStats{}, err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, review.AssembleStats{}, err
	}
	obs.ArchivesAssembled.Inc()
	return buf.Bytes(), stats, nil
}

func (a *Assembler) readBlob(ctx context.Context, p string) ([]byte, error) {
	rc, err := a.blobs.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func writeEntry(zw *zip.Writer, name string, stamp time.Time, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: stamp,
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// latestReviewedMarks maps object id to the actor and time of its most
// recent reviewed_accounts event. Events arrive in occurrence order.
func latestReviewedMarks(events []review.UserEvent) map[string]reviewedMark {
	marks := make(map[string]reviewedMark)
	for _, ev := range events {
		if ev.Type != review.EventReviewedAccounts {
			continue
		}
		for _, id := range ev.ObjectIDs {
			marks[id] = reviewedMark{actorID: ev.ActorID, at: ev.OccurredAt}
		}
	}
	return marks
}

func reviewerName(users map[string]review.User, id string) string {
	if u, ok := users[id]; ok {
		if name := u.Name(); name != "" {
			return name
		}
	}
	return id
}

func accountName(account laika.Object, obj review.AccountObject) string {
	if name := account.DisplayName(); name != "" {
		return name
	}
	return obj.LaikaObjectID
}
