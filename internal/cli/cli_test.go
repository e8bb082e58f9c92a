package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Passage-Retrieval-Platform/internal/document"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  path: %[1]s/passages.db
cache:
  backend: memory
vectorIndex:
  backend: memory
  path: %[1]s/vectors.prvx
storage:
  dataDir: %[1]s/documents
kafka:
  enabled: false
metrics:
  enabled: false
chunking:
  size: 20
  overlap: 5
  minSize: 10
`, filepath.ToSlash(dir))
	path := filepath.Join(dir, "ragctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestIngestSearchAcrossInvocations(t *testing.T) {
	cfg, dir := writeConfig(t)
	file := filepath.Join(dir, "esg.txt")
	require.NoError(t, os.WriteFile(file, []byte("Climate risk. Water usage. Governance policy."), 0o644))

	out, err := run(t, "ingest", file, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, string(document.StateCompleted))
	assert.Contains(t, out, "esg.txt")

	out, err = run(t, "search", "governance policy", "-n", "1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Governance policy.")
	assert.Contains(t, out, "[1]")

	out, err = run(t, "search", "governance policy", "--json", "--config", cfg)
	require.NoError(t, err)
	var results []document.RankedResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "Governance policy.", results[0].Text)

	out, err = run(t, "docs", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "esg.txt")
	assert.Contains(t, out, "STATE")
}

func TestPassagesTagAndDelete(t *testing.T) {
	cfg, dir := writeConfig(t)
	file := filepath.Join(dir, "esg.txt")
	require.NoError(t, os.WriteFile(file, []byte("Climate risk. Water usage. Governance policy."), 0o644))

	out, err := run(t, "ingest", file, "--config", cfg)
	require.NoError(t, err)
	docID := strings.Fields(out)[0]

	out, err = run(t, "passages", docID, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "#0 ")
	assert.Contains(t, out, "Water usage.")
	lines := strings.Split(out, "\n")
	passageID := strings.Fields(lines[0])[2]

	out, err = run(t, "tag", passageID, "ESG", "climate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "esg, climate")

	out, err = run(t, "search", "climate", "--tag", "esg", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Climate risk.")
	assert.NotContains(t, out, "Water usage.")

	_, err = run(t, "delete", docID, "--config", cfg)
	require.NoError(t, err)
	out, err = run(t, "search", "climate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No passages found.")

	_, err = run(t, "passages", docID, "--config", cfg)
	assert.Error(t, err)
}

func TestIngestReportsFailures(t *testing.T) {
	cfg, dir := writeConfig(t)
	file := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(file, []byte("   \n\t "), 0o644))

	out, err := run(t, "ingest", file, "--config", cfg)
	assert.Error(t, err)
	assert.Contains(t, out, string(document.StateFailed))

	_, err = run(t, "ingest", file, "--chunk-size", "10", "--chunk-overlap", "10", "--config", cfg)
	assert.Error(t, err)

	_, err = run(t, "ingest", "--config", cfg)
	assert.Error(t, err)
}

func TestIngestManyFiles(t *testing.T) {
	cfg, dir := writeConfig(t)
	texts := map[string]string{
		"climate.txt":    "Climate risk. Scope three emissions.",
		"water.txt":      "Water usage. Drought exposure.",
		"governance.txt": "Governance policy. Board oversight.",
	}
	var files []string
	for name, text := range texts {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
		files = append(files, path)
	}
	blank := filepath.Join(dir, "blank.txt")
	require.NoError(t, os.WriteFile(blank, []byte(" \n "), 0o644))

	out, err := run(t, append(append([]string{"ingest"}, files...), "--config", cfg)...)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for name := range texts {
		assert.Contains(t, out, name)
	}
	assert.Equal(t, 3, strings.Count(out, string(document.StateCompleted)))

	out, err = run(t, "ingest", files[0], blank, "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 documents failed")
	assert.Contains(t, out, string(document.StateFailed))

	out, err = run(t, "search", "board oversight", "-n", "1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Board oversight.")
}

func TestEmbedAfterPlainIngest(t *testing.T) {
	cfg, dir := writeConfig(t)
	file := filepath.Join(dir, "esg.txt")
	require.NoError(t, os.WriteFile(file, []byte("Climate risk. Water usage. Governance policy."), 0o644))

	out, err := run(t, "ingest", file, "--no-embeddings", "--config", cfg)
	require.NoError(t, err)
	docID := strings.Fields(out)[0]

	out, err = run(t, "search", "water usage", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "No passages found.")

	out, err = run(t, "embed", docID, "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "embedded 3 passages")

	out, err = run(t, "search", "water usage", "-n", "1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Water usage.")
}
