package ocr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInspectFileTIFFPassesThrough(t *testing.T) {
	path := writeTemp(t, "II*\x00rest-of-tiff")

	info, err := inspectFile(path, "application/octet-stream", 10)
	require.NoError(t, err)
	assert.Equal(t, ContentTypeTIFF, info.ContentType)
	assert.Zero(t, info.PageCount)
}

func TestInspectFileRejectsUnknownContent(t *testing.T) {
	path := writeTemp(t, "hello, world")

	_, err := inspectFile(path, "text/plain", 10)
	require.ErrorIs(t, err, ErrUnsupportedDocument)
	assert.Contains(t, err.Error(), "text/plain")
}

func TestInspectFileRejectsBrokenPDF(t *testing.T) {
	path := writeTemp(t, "%PDF-1.7\nthis is not really a pdf\n")

	_, err := inspectFile(path, ContentTypePDF, 10)
	require.ErrorIs(t, err, ErrUnsupportedDocument)
}

func TestInspectFileEmpty(t *testing.T) {
	path := writeTemp(t, "")

	_, err := inspectFile(path, "", 0)
	require.ErrorIs(t, err, ErrUnsupportedDocument)
}

func TestFileSHA256(t *testing.T) {
	path := writeTemp(t, "abc")

	sum, err := fileSHA256(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}
