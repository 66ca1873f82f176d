package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/kbsync/internal/config"
	"github.com/stacklok/kbsync/internal/dify/difytest"
	pkgsync "github.com/stacklok/kbsync/internal/sync"
	"github.com/stacklok/kbsync/internal/sync/state"
	"github.com/stacklok/kbsync/internal/versions"
)

const testToken = "dataset-cmd-test"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, dir, baseURL string, datasets ...string) string {
	t.Helper()

	feed := filepath.Join(dir, "feed.jsonl")
	require.NoError(t, os.WriteFile(feed, []byte(
		`{"url":"https://docs.example.com/a","content":"Install\n\nRun the installer."}`+"\n"+
			`{"url":"https://docs.example.com/b","content":"Overview\n\nWhat it does."}`+"\n"), 0600))

	var dsYAML string
	for _, ds := range datasets {
		dsYAML += fmt.Sprintf("    - id: %s\n", ds)
	}
	cfg := fmt.Sprintf(`targets:
  baseURL: %s
  apiKey: %s
  datasets:
%sretry:
  maxAttempts: 2
  baseDelay: 1ms
  maxDelay: 5ms
state:
  path: %s
sync:
  feed: %s
  statusFile: %s
`, baseURL, testToken, dsYAML,
		filepath.Join(dir, "state.json"), feed, filepath.Join(dir, "status.json"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "kbsync "+versions.Version)

	out, err = execute(t, "version", "--format", "json")
	require.NoError(t, err)
	var info versions.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versions.Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestRunCommand(t *testing.T) {
	srv := difytest.NewServer(testToken)
	t.Cleanup(srv.Close)
	srv.AddDataset("kb1", "Docs")
	cfgPath := writeConfig(t, t.TempDir(), srv.URL, "kb1")

	out, err := execute(t, "run", "--config", cfgPath, "--format", "json")
	require.NoError(t, err)

	var summary pkgsync.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Documents)
	assert.Equal(t, 2, summary.Created)
	assert.Len(t, srv.Documents("kb1"), 2)

	out, err = execute(t, "run", "--config", cfgPath, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "Skipped")
	assert.Equal(t, 2, srv.Calls("create"))
}

func TestRunCommand_FailedDocumentsExitNonZero(t *testing.T) {
	srv := difytest.NewServer(testToken)
	t.Cleanup(srv.Close)
	srv.AddDataset("kb1", "Docs")
	srv.FailNext("create", http.StatusBadRequest, http.StatusBadRequest)
	cfgPath := writeConfig(t, t.TempDir(), srv.URL, "kb1")

	out, err := execute(t, "run", "--config", cfgPath, "--format", "json")
	require.ErrorIs(t, err, errRunIncomplete)

	var summary pkgsync.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 2, summary.Failed)
}

func TestRunCommand_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  datasets: []\n"), 0600))

	_, err := execute(t, "run", "--config", path)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCheckCommand(t *testing.T) {
	srv := difytest.NewServer(testToken)
	t.Cleanup(srv.Close)
	srv.AddDataset("kb1", "Docs")
	srv.AddDataset("kb2", "Bare", "url")

	t.Run("healthy", func(t *testing.T) {
		cfgPath := writeConfig(t, t.TempDir(), srv.URL, "kb1")
		out, err := execute(t, "check", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "kb1")
		assert.Contains(t, out, statusOK)
	})

	t.Run("missing metadata and unknown dataset", func(t *testing.T) {
		cfgPath := writeConfig(t, t.TempDir(), srv.URL, "kb1", "kb2", "kb3")
		out, err := execute(t, "check", "--config", cfgPath)
		require.ErrorContains(t, err, "2 of 3 datasets failed the check")
		assert.Contains(t, out, "content_hash")
		assert.Contains(t, out, "kb3")
	})
}

func TestStateCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := state.NewFileStore(path)
	require.NoError(t, store.Save(map[string]string{
		"https://docs.example.com/a": "aaa",
		"https://docs.example.com/b": "bbb",
	}))

	out, err := execute(t, "state", "verify", "--state", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 entries)")

	out, err = execute(t, "state", "show", "--state", path, "--format", "json")
	require.NoError(t, err)
	var entries map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Equal(t, "bbb", entries["https://docs.example.com/b"])

	out, err = execute(t, "state", "show", "--state", path, "--format", "table")
	require.NoError(t, err)
	assert.Contains(t, out, "https://docs.example.com/a")

	// a second save leaves the first document in the backup
	require.NoError(t, store.Save(map[string]string{"https://docs.example.com/a": "aaa"}))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err = execute(t, "state", "verify", "--state", path)
	require.ErrorIs(t, err, state.ErrStateCorrupted)

	out, err = execute(t, "state", "repair", "--state", path)
	require.NoError(t, err)
	assert.Contains(t, out, "repaired (2 entries)")

	n, err := state.Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStateRepair_NoValidCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("[]"), 0600))

	_, err := execute(t, "state", "repair", "--state", path)
	require.ErrorContains(t, err, "no valid copy")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

func TestOutputFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, formatTable, outputFormat(formatTable, &bytes.Buffer{}))
	assert.Equal(t, formatJSON, outputFormat("", &bytes.Buffer{}))
}
