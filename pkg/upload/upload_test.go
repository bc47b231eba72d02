package upload

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCopyUploadsAndDeletesWhenRequested(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	src := filepath.Join(srcDir, "evidence.bin")
	require.NoError(t, os.WriteFile(src, []byte("forensic data"), 0o600))
	dst := filepath.Join(dstDir, "evidence.bin")

	a := New(Config{Method: MethodFileCopy})
	n := a.Send(Request{Kind: ReqUploadFile, LocalPath: src, RemotePath: dst, DeleteWhenDone: true})

	require.Equal(t, NotifyFileAddition, n.Kind)
	assert.EqualValues(t, len("forensic data"), n.Size)

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "forensic data", string(content))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err))
}

func TestUploadDirectoryCopiesMatchingFiles(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "b.log"), []byte("b"), 0o600))

	a := New(Config{Method: MethodFileCopy})
	n := a.Send(Request{Kind: ReqUploadDirectory, LocalPath: srcDir, RemotePath: dstDir, Pattern: "*.txt"})

	require.Equal(t, NotifyDirectoryAddition, n.Kind)
	_, err := os.Stat(filepath.Join(dstDir, "a.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dstDir, "b.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestCompleteRejectsNewUploads(t *testing.T) {
	a := New(Config{Method: MethodFileCopy})
	a.Send(Request{Kind: ReqComplete})

	n := a.Send(Request{Kind: ReqUploadFile, LocalPath: "/nonexistent", RemotePath: "/dst"})
	assert.Equal(t, NotifyFailure, n.Kind)
}

func TestHTTPUploadPutsFileBody(t *testing.T) {
	var receivedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		receivedBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	src := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	a := New(Config{Method: MethodHTTP, BaseURL: srv.URL})
	n := a.Send(Request{Kind: ReqUploadFile, LocalPath: src, RemotePath: "f.txt"})

	require.Equal(t, NotifyFileAddition, n.Kind)
	assert.Equal(t, "payload", receivedBody)
}

func TestUploadStreamToFileDestination(t *testing.T) {
	dstDir := t.TempDir()
	dst := filepath.Join(dstDir, "stream.out")

	a := New(Config{Method: MethodFileCopy})
	n := a.Send(Request{Kind: ReqUploadStream, RemotePath: dst, Stream: strings.NewReader("streamed")})

	require.Equal(t, NotifyFileAddition, n.Kind)
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "streamed", string(content))
}
