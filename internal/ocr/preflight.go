package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrUnsupportedDocument is returned for sources the OCR service cannot take.
var ErrUnsupportedDocument = errors.New("unsupported document")

// Preflight downloads a source document and checks it before submission:
// PDFs are validated and their pages counted, TIFFs pass through.
type Preflight struct {
	storage  *storage.Client
	bucket   string
	maxPages int
}

// NewPreflight builds a Preflight reading from bucket. maxPages <= 0 disables the page limit.
func NewPreflight(storageClient *storage.Client, bucket string, maxPages int) *Preflight {
	return &Preflight{storage: storageClient, bucket: bucket, maxPages: maxPages}
}

// Inspect returns what the OCR submission needs to know about objectName.
func (p *Preflight) Inspect(ctx context.Context, objectName string) (*ObjectInfo, error) {
	logCtx := slog.With("gcsBucket", p.bucket, "gcsObject", objectName)

	tempDir, err := os.MkdirTemp("", "preflight-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	localPath := filepath.Join(tempDir, "source")
	attrs, size, err := p.download(ctx, objectName, localPath)
	if err != nil {
		return nil, err
	}
	sum, err := fileSHA256(localPath)
	if err != nil {
		return nil, err
	}

	info, err := inspectFile(localPath, attrs.ContentType, p.maxPages)
	if err != nil {
		logCtx.Warn("Source document rejected.", "error", err)
		return nil, err
	}
	info.SHA256 = sum
	info.Size = size
	return info, nil
}

// inspectFile classifies and validates a local copy of a source document.
func inspectFile(localPath, declaredType string, maxPages int) (*ObjectInfo, error) {
	contentType, err := sniffContentType(localPath, declaredType)
	if err != nil {
		return nil, err
	}
	info := &ObjectInfo{ContentType: contentType}
	if contentType != ContentTypePDF {
		return info, nil
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(localPath, conf); err != nil {
		return nil, fmt.Errorf("%w: invalid PDF: %v", ErrUnsupportedDocument, err)
	}
	pages, err := api.PageCountFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to count pages: %v", ErrUnsupportedDocument, err)
	}
	if pages == 0 {
		return nil, fmt.Errorf("%w: PDF has no pages", ErrUnsupportedDocument)
	}
	if maxPages > 0 && pages > maxPages {
		return nil, fmt.Errorf("%w: %d pages exceeds the limit of %d", ErrUnsupportedDocument, pages, maxPages)
	}
	info.PageCount = pages
	return info, nil
}

// sniffContentType trusts the file's leading bytes over the declared type.
func sniffContentType(localPath, declared string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	head := make([]byte, 5)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	head = head[:n]

	switch {
	case strings.HasPrefix(string(head), "%PDF-"):
		return ContentTypePDF, nil
	case strings.HasPrefix(string(head), "II*\x00"), strings.HasPrefix(string(head), "MM\x00*"):
		return ContentTypeTIFF, nil
	}
	return "", fmt.Errorf("%w: content type %q", ErrUnsupportedDocument, declared)
}

func (p *Preflight) download(ctx context.Context, objectName, destPath string) (*storage.ReaderObjectAttrs, int64, error) {
	rc, err := p.storage.Bucket(p.bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open source object gs://%s/%s: %w", p.bucket, objectName, err)
	}
	defer rc.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, rc)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to download source object: %w", err)
	}
	return &rc.Attrs, n, nil
}

func fileSHA256(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
