package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when no blob exists at the requested path.
var ErrNotFound = errors.New("blob: not found")

// Storage is the narrow contract the review engine holds against blob
// storage. Paths are content-addressed; writes overwrite.
type Storage interface {
	// Put stores the bytes at path and returns a stable URL for the blob.
	Put(ctx context.Context, path string, data []byte) (string, error)
	// Open returns a reader over the blob at path.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
}

// ReportPath locates the final report of a review.
func ReportPath(reviewID, filename string) string {
	return reviewID + "/" + filename
}

// EvidencePath locates a per-account evidence artifact.
func EvidencePath(reviewID, filename string) string {
	return reviewID + "/o/" + filename
}

// NotePath locates a reviewer note attachment.
func NotePath(reviewID, filename string) string {
	return reviewID + "/n/" + filename
}
