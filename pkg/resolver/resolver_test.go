package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
)

func TestResolveSelfReturnsRunningBinaryPath(t *testing.T) {
	r := New(t.TempDir())
	path, err := r.Resolve(planconfig.ExecutableRef{Kind: planconfig.RefEmbeddedSelf, SelfArgument: "tool"}, "/usr/bin/collector")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/collector", path)
}

func TestResolveSelfFailsWithoutSelfPath(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve(planconfig.ExecutableRef{Kind: planconfig.RefEmbeddedSelf}, "")
	require.Error(t, err)
	assert.Equal(t, orcerr.KindResolver, orcerr.KindOf(err))
}

func TestResolveFilesystemRejectsMissingPath(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve(planconfig.ExecutableRef{Kind: planconfig.RefFilesystemPath, PathWithEnv: "/no/such/binary"}, "")
	require.Error(t, err)
}

func TestResolveFilesystemAcceptsExistingPath(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o700))

	r := New(t.TempDir())
	path, err := r.Resolve(planconfig.ExecutableRef{Kind: planconfig.RefFilesystemPath, PathWithEnv: file}, "")
	require.NoError(t, err)
	assert.Equal(t, file, path)
}

func TestUnmaskNamePassesThroughUnmaskedNames(t *testing.T) {
	assert.Equal(t, "README.txt", unmaskName("README.txt"))
}

func TestUnmaskNameRoundTrips(t *testing.T) {
	masked := maskName("README.txt")
	assert.Equal(t, "README.txt", unmaskName(masked))
}

func TestResolveEmbeddedMissingResourceIsResolverError(t *testing.T) {
	r := New(t.TempDir())
	_, err := r.Resolve(planconfig.ExecutableRef{Kind: planconfig.RefEmbeddedResource, Module: "m", Name: "does-not-exist"}, "")
	require.Error(t, err)
	assert.Equal(t, orcerr.KindResolver, orcerr.KindOf(err))
}

func TestResolveEmbeddedMissingResourceIsMemoisedWithoutRetry(t *testing.T) {
	r := New(t.TempDir())
	ref := planconfig.ExecutableRef{Kind: planconfig.RefEmbeddedResource, Module: "m", Name: "does-not-exist"}

	_, err1 := r.Resolve(ref, "")
	require.Error(t, err1)

	_, ok := r.failed["m/does-not-exist/"]
	require.True(t, ok, "failure should be memoised under the resource key")

	_, err2 := r.Resolve(ref, "")
	require.Error(t, err2)
	assert.Same(t, err1, err2, "second call should return the exact memoised error, not re-attempt extraction")
}
