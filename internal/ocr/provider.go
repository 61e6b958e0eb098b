// Package ocr talks to the asynchronous text-detection service: it submits
// jobs, tells when a job's output is complete, and reads that output back.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrResultNotReady is returned by FetchResult when the job's output does not
// yet cover every page.
var ErrResultNotReady = errors.New("ocr result not ready")

// Operation states reported for jobs whose page count is unknown.
var (
	ErrOperationRunning = errors.New("ocr operation still running")
	ErrOperationFailed  = errors.New("ocr operation failed")
)

// Content types accepted for submission.
const (
	ContentTypePDF  = "application/pdf"
	ContentTypeTIFF = "image/tiff"
)

// ObjectRef identifies a source document in object storage.
type ObjectRef struct {
	Bucket      string
	Name        string
	ContentType string
	// PageCount is known after preflight; zero means unknown.
	PageCount int
}

// URI returns the gs:// form of the reference.
func (r ObjectRef) URI() string {
	return fmt.Sprintf("gs://%s/%s", r.Bucket, r.Name)
}

// ObjectInfo is what preflight learned about a source document.
type ObjectInfo struct {
	ContentType string
	PageCount   int
	SHA256      string
	Size        int64
}

// Page is the text detected on one page.
type Page struct {
	Number int
	Text   string
}

// Result is the assembled output of one OCR job.
type Result struct {
	JobID    string
	Pages    []Page
	Warnings []string
}

// Text joins the pages in page order, separated by blank lines.
func (r *Result) Text() string {
	pages := make([]Page, len(r.Pages))
	copy(pages, r.Pages)
	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	var b strings.Builder
	for _, p := range pages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	return b.String()
}

// ReadinessProbe reports whether a job's output is complete.
type ReadinessProbe interface {
	Ready(ctx context.Context, jobID string) (bool, error)
}

// Fetcher reads back a job's output.
type Fetcher interface {
	FetchResult(ctx context.Context, jobID string) (*Result, error)
}
