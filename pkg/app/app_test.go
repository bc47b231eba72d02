package app

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfir-orc/collector/pkg/logx"
)

// helloPlanTemplate mirrors spec.md §8 scenario 1: a single command
// whose stdout is captured into a named archive entry. {{.ScriptPath}} is
// filled in with a temp script's path before loading, since the plan's
// own pattern substitution only covers identity fields, not executable
// references.
const helloPlanTemplate = `
archive:
  - keyword: A
    name_template: "A.zip"
    concurrency: 1
    command:
      - keyword: C
        execute:
          name: "{{.ScriptPath}}"
        output:
          - name: hello.txt
            source: stdout
`

func writeHelloPlan(t *testing.T, dir, scriptPath string) string {
	t.Helper()
	content := strings.ReplaceAll(helloPlanTemplate, "{{.ScriptPath}}", scriptPath)
	path := filepath.Join(dir, "plan.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func readZipEntry(t *testing.T, archivePath, entryName string) []byte {
	t.Helper()
	zr, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != entryName {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return data
	}
	t.Fatalf("entry %q not found in %s", entryName, archivePath)
	return nil
}

func TestRunSingleCommandStdoutCapture(t *testing.T) {
	scriptDir := t.TempDir()
	script := filepath.Join(scriptDir, "echoer.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nprintf 'hello'\n"), 0o700))

	planPath := writeHelloPlan(t, t.TempDir(), script)
	outDir := t.TempDir()
	outcomePath := filepath.Join(t.TempDir(), "outcome.json")

	logger := logx.New(logx.Options{RunID: "test-run"})
	a, err := New(Options{PlanPath: planPath, OutDir: outDir, TempDir: t.TempDir(), OutcomePath: outcomePath}, "test-run", logger)
	require.NoError(t, err)
	defer a.Close()

	exitCode, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode)

	archivePath := filepath.Join(outDir, "A.zip")
	data := readZipEntry(t, archivePath, "hello.txt")
	assert.Equal(t, "hello", string(data))

	wantSum := sha256.Sum256([]byte("hello"))
	wantHex := hex.EncodeToString(wantSum[:])

	// The digest the outcome report publishes must match independently
	// computed one, not just assert the latter in isolation: it proves
	// the archive agent's own hashing, not a test-side recomputation,
	// is what reaches the outcome report.
	raw, err := os.ReadFile(outcomePath)
	require.NoError(t, err)
	var report struct {
		Archives []struct {
			Commands []struct {
				Digests map[string]map[string]string `json:"digests"`
			} `json:"commands"`
		} `json:"archives"`
	}
	require.NoError(t, json.Unmarshal(raw, &report))
	require.Len(t, report.Archives, 1)
	require.Len(t, report.Archives[0].Commands, 1)
	gotHex := report.Archives[0].Commands[0].Digests["hello.txt"]["sha256"]
	assert.Equal(t, wantHex, gotHex)
}

func TestRunHonoursOnlyThisKeywordFilter(t *testing.T) {
	scriptDir := t.TempDir()
	runMarker := filepath.Join(scriptDir, "ran")
	script := filepath.Join(scriptDir, "touch.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntouch "+runMarker+"\n"), 0o700))

	plan := strings.ReplaceAll(helloPlanTemplate, "{{.ScriptPath}}", script)
	plan = strings.Replace(plan, "keyword: C", "keyword: other", 1)
	planPath := filepath.Join(t.TempDir(), "plan.yml")
	require.NoError(t, os.WriteFile(planPath, []byte(plan), 0o600))

	outDir := t.TempDir()
	logger := logx.New(logx.Options{RunID: "test-run"})
	a, err := New(Options{
		PlanPath: planPath,
		OutDir:   outDir,
		TempDir:  t.TempDir(),
		OnlyThis: []string{"nonexistent-keyword"},
	}, "test-run", logger)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Run(context.Background())
	require.NoError(t, err)

	_, statErr := os.Stat(runMarker)
	assert.True(t, os.IsNotExist(statErr), "command should have been skipped by the keyword filter")
}
