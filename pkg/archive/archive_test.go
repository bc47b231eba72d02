package archive

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/stream"
)

func TestAgentWritesZipEntries(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")

	a := New()
	n := a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath})
	require.Equal(t, NotifyArchiveStarted, n.Kind)

	n = a.Send(Request{Kind: ReqAddStream, NameInArchive: "hello.txt", Source: strings.NewReader("hello")})
	require.Equal(t, NotifyFileAddition, n.Kind)
	assert.EqualValues(t, 5, n.Size)

	n = a.Send(Request{Kind: ReqComplete})
	require.Equal(t, NotifyArchiveComplete, n.Kind)

	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "hello.txt", zr.File[0].Name)
}

func TestAgentAddFileDeletesSourceOnFlush(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")
	src := filepath.Join(dir, "capture.log")
	require.NoError(t, os.WriteFile(src, []byte("captured"), 0o600))

	a := New()
	a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath})

	n := a.Send(Request{Kind: ReqAddFile, NameInArchive: "capture.log", SourcePath: src, DeleteAfterFlush: true})
	require.Equal(t, NotifyFileAddition, n.Kind)
	assert.EqualValues(t, 8, n.Size)
	assert.NotEmpty(t, n.Digests["sha256"])

	// Source survives the add itself; FlushQueue runs the cleanup.
	_, err := os.Stat(src)
	require.NoError(t, err)

	n = a.Send(Request{Kind: ReqFlushQueue})
	require.Equal(t, NotifyFlushQueue, n.Kind)
	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))

	require.Equal(t, NotifyArchiveComplete, a.Send(Request{Kind: ReqComplete}).Kind)
}

func TestAgentAddDirectoryEmitsPerFileEntriesAndAppliesPattern(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")
	srcDir := filepath.Join(dir, "collected")
	require.NoError(t, os.MkdirAll(srcDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.log"), []byte("b"), 0o600))

	a := New()
	a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath})

	n := a.Send(Request{Kind: ReqAddDirectory, NameInArchive: "collected", SourcePath: srcDir, Pattern: "*.txt", DeleteAfterFlush: true})
	require.Equal(t, NotifyDirectoryAddition, n.Kind)
	require.Len(t, n.Entries, 1)
	assert.Equal(t, NotifyFileAddition, n.Entries[0].Kind)
	assert.Equal(t, "collected/a.txt", n.Entries[0].Name)

	require.Equal(t, NotifyArchiveComplete, a.Send(Request{Kind: ReqComplete}).Kind)

	// Complete runs the staged cleanup: the whole source directory is
	// gone, and the archive holds only the pattern match.
	_, err := os.Stat(srcDir)
	assert.True(t, os.IsNotExist(err))

	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()
	require.Len(t, zr.File, 1)
	assert.Equal(t, "collected/a.txt", zr.File[0].Name)
}

func TestAgentRejectsAddBeforeOpen(t *testing.T) {
	a := New()
	n := a.Send(Request{Kind: ReqAddStream, NameInArchive: "x", Source: strings.NewReader("x")})
	assert.Equal(t, NotifyFailure, n.Kind)
	require.Error(t, n.Err)
}

func TestAgentCompleteRunsPendingCleanups(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")
	staged := filepath.Join(dir, "staged.txt")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0o600))

	a := New()
	a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath})
	a.StageCleanup(staged, false)
	a.Send(Request{Kind: ReqAddStream, NameInArchive: "f", Source: strings.NewReader("f")})
	a.Send(Request{Kind: ReqComplete})

	_, err := os.Stat(staged)
	assert.True(t, os.IsNotExist(err))
}

func TestAgentPasswordProtectedArchiveRoundTrips(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")
	payload := bytes.Repeat([]byte{0xAA}, 1<<20)

	a := New()
	n := a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath, Password: "hunter2"})
	require.Equal(t, NotifyArchiveStarted, n.Kind)
	n = a.Send(Request{Kind: ReqAddStream, NameInArchive: "pattern.bin", Source: bytes.NewReader(payload)})
	require.Equal(t, NotifyFileAddition, n.Kind)
	require.Equal(t, NotifyArchiveComplete, a.Send(Request{Kind: ReqComplete}).Kind)

	// The raw file must not be a readable zip: the whole container is
	// ciphertext behind the password layer.
	_, err := zip.OpenReader(archivePath)
	require.Error(t, err)

	dec, err := stream.OpenEncryptedContainer(archivePath, "hunter2", false)
	require.NoError(t, err)
	plain, err := io.ReadAll(dec)
	require.NoError(t, err)
	require.NoError(t, dec.Close())

	zr, err := zip.NewReader(bytes.NewReader(plain), int64(len(plain)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// A wrong password decrypts to garbage the zip reader rejects.
	wrong, err := stream.OpenEncryptedContainer(archivePath, "not-hunter2", false)
	require.NoError(t, err)
	garbage, _ := io.ReadAll(wrong)
	wrong.Close()
	_, err = zip.NewReader(bytes.NewReader(garbage), int64(len(garbage)))
	assert.Error(t, err)
}

func TestAgentCancelSkipsPendingCleanups(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "out.zip")
	staged := filepath.Join(dir, "staged.txt")
	require.NoError(t, os.WriteFile(staged, []byte("x"), 0o600))

	a := New()
	a.Send(Request{Kind: ReqOpen, Format: FormatZip, SourcePath: archivePath})
	a.StageCleanup(staged, false)
	a.Send(Request{Kind: ReqCancel})

	_, err := os.Stat(staged)
	assert.NoError(t, err)
}
