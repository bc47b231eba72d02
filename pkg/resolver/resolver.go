// Package resolver materialises ExecutableRef values (spec.md §3/§4.1)
// into real filesystem paths the scheduler can exec: embedded-self
// resources are extracted once and memoised, filesystem paths are
// passed through after existence-checking, and resources encoded with
// an XOR-masked name (the plan format's way of keeping a bundled tool's
// name out of plaintext) are unmasked before lookup.
//
// Grounded on original_source/ResourceAgent.cpp and
// ConcurrentCabDecompress.cpp: a resource is opened once, its bytes
// held until every consumer releases it, and a corrupt/missing resource
// is a terminal ResolverError rather than a retryable condition.
package resolver

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dfir-orc/collector/internal/bundle"
	"github.com/dfir-orc/collector/pkg/orcerr"
	"github.com/dfir-orc/collector/pkg/planconfig"
	"github.com/dfir-orc/collector/pkg/stream"
)

// xorMaskPrefix marks a resource name as XOR-masked with maskKey; a
// plan carries the prefix in the resource name itself when the name is
// obfuscated (spec.md §6 "resource name masking").
const xorMaskPrefix = "~"

const maskKey = 0x5a

// Resolver extracts and memoises embedded resources under a scratch
// root. One Resolver is shared read-only by every concurrent launch in
// a run; Close releases everything it ever extracted.
type Resolver struct {
	ScratchDir string

	mu        sync.Mutex
	extracted map[string]string // resource key -> extracted path
	failed    map[string]error  // resource key -> memoised terminal failure
}

// New creates a Resolver rooted at scratchDir. scratchDir must already
// exist; callers typically derive it from planconfig.DefaultScratchRoot.
func New(scratchDir string) *Resolver {
	return &Resolver{ScratchDir: scratchDir, extracted: map[string]string{}, failed: map[string]error{}}
}

// Resolve turns ref into an absolute filesystem path to an executable
// (or data) file, extracting and caching an embedded resource on first
// use. selfPath is the currently running binary's path, used for
// RefEmbeddedSelf.
func (r *Resolver) Resolve(ref planconfig.ExecutableRef, selfPath string) (string, error) {
	switch ref.Kind {
	case planconfig.RefEmbeddedSelf:
		return r.resolveSelf(ref, selfPath)
	case planconfig.RefEmbeddedResource:
		return r.resolveEmbedded(ref)
	case planconfig.RefFilesystemPath:
		return r.resolveFilesystem(ref)
	default:
		return "", orcerr.New(orcerr.KindResolver, "unknown executable reference kind")
	}
}

// resolveSelf returns the path to the currently running binary: the
// plan's "self:" reference is a request to re-exec the collector
// itself with SelfArgument as its subcommand/mode, not a distinct
// extracted artifact.
func (r *Resolver) resolveSelf(ref planconfig.ExecutableRef, selfPath string) (string, error) {
	if selfPath == "" {
		return "", orcerr.New(orcerr.KindResolver, "self executable path unavailable for self:"+ref.SelfArgument)
	}
	return selfPath, nil
}

// resolveEmbedded extracts an embedded resource to scratch, memoising
// both outcomes: a successful extraction returns the cached path on
// every subsequent call, and a failed one is remembered as a terminal
// ResolverError — spec.md §4.1 "a failed extraction is memoised as an
// empty path and subsequent calls return NotFound without retry" — so
// a corrupt bundle entry does not get re-attempted once per launch.
func (r *Resolver) resolveEmbedded(ref planconfig.ExecutableRef) (string, error) {
	key := ref.Module + "/" + ref.Name + "/" + ref.CabbedName

	r.mu.Lock()
	if path, ok := r.extracted[key]; ok {
		r.mu.Unlock()
		return path, nil
	}
	if err, ok := r.failed[key]; ok {
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()

	path, err := r.extractEmbedded(key, ref)
	if err != nil {
		r.mu.Lock()
		r.failed[key] = err
		r.mu.Unlock()
		return "", err
	}

	r.mu.Lock()
	r.extracted[key] = path
	r.mu.Unlock()
	return path, nil
}

func (r *Resolver) extractEmbedded(key string, ref planconfig.ExecutableRef) (string, error) {
	name := unmaskName(ref.Name)
	raw, err := bundle.Lookup(name)
	if err != nil {
		return "", orcerr.Wrap(orcerr.KindResolver, err, "resource "+ref.Module+":"+ref.Name+" not found")
	}

	if ref.Format == planconfig.FormatArchiveContainer {
		raw, err = extractFromContainer(raw, ref.CabbedName)
		if err != nil {
			return "", orcerr.Wrap(orcerr.KindResolver, err, "extracting "+ref.CabbedName+" from "+ref.Name)
		}
	}

	return r.writeScratch(key, raw)
}

func (r *Resolver) resolveFilesystem(ref planconfig.ExecutableRef) (string, error) {
	expanded := os.ExpandEnv(ref.PathWithEnv)
	if _, err := os.Stat(expanded); err != nil {
		return "", orcerr.Wrap(orcerr.KindResolver, err, "filesystem executable "+expanded+" not found")
	}
	return expanded, nil
}

func (r *Resolver) writeScratch(key string, content []byte) (string, error) {
	dir := filepath.Join(r.ScratchDir, "resources", filepath.Dir(key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", orcerr.Wrap(orcerr.KindIO, err, "creating resource scratch dir")
	}
	path := filepath.Join(dir, filepath.Base(key))
	if err := os.WriteFile(path, content, 0o700); err != nil {
		return "", orcerr.Wrap(orcerr.KindIO, err, "writing resource to scratch")
	}
	return path, nil
}

// unmaskName reverses the single-byte XOR used to keep a bundled tool's
// name out of the plan in plaintext. This is an obfuscation aid only,
// not a security boundary.
func unmaskName(name string) string {
	if !strings.HasPrefix(name, xorMaskPrefix) {
		return name
	}
	masked := strings.TrimPrefix(name, xorMaskPrefix)
	out := make([]byte, len(masked))
	for i := 0; i < len(masked); i++ {
		out[i] = masked[i] ^ maskKey
	}
	return string(out)
}

// maskName is unmaskName's inverse, exposed for the plan authoring side
// (and tests) to produce the masked form stored in a plan file.
func maskName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		out[i] = name[i] ^ maskKey
	}
	return xorMaskPrefix + string(out)
}

// extractFromContainer pulls a single named entry out of a zip-format
// embedded resource, the bundle-side equivalent of
// ConcurrentCabDecompress.cpp's cabinet extraction, via
// stream.CabinetExtractStream.
func extractFromContainer(container []byte, entryName string) ([]byte, error) {
	cs, err := stream.OpenCabinetEntry(bytes.NewReader(container), int64(len(container)), entryName)
	if err != nil {
		return nil, orcerr.Wrap(orcerr.KindResolver, err, "opening resource container")
	}
	defer cs.Close()
	return io.ReadAll(cs)
}

// Close releases every extracted resource's scratch copy.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return os.RemoveAll(filepath.Join(r.ScratchDir, "resources"))
}
