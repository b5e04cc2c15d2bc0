package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestAcquireCopiesBase(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "main.go"), "package main")
	writeFile(t, filepath.Join(base, "pkg", "util.go"), "package pkg")
	writeFile(t, filepath.Join(base, ".git", "HEAD"), "ref: refs/heads/main")

	m := NewManager(base, t.TempDir(), zap.NewNop())
	ws, err := m.Acquire("agent-1", "task-1")
	require.NoError(t, err)

	assert.Equal(t, "sprintloop/agent-1/task-1", ws.Branch)
	assert.FileExists(t, filepath.Join(ws.Path, "main.go"))
	assert.FileExists(t, filepath.Join(ws.Path, "pkg", "util.go"))
	assert.NoDirExists(t, filepath.Join(ws.Path, ".git"))
	assert.Len(t, m.Active(), 1)
}

func TestCommitCopiesChangedFiles(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "keep.txt"), "same")
	writeFile(t, filepath.Join(base, "edit.txt"), "old")

	m := NewManager(base, t.TempDir(), zap.NewNop())
	ws, err := m.Acquire("a", "t")
	require.NoError(t, err)

	writeFile(t, filepath.Join(ws.Path, "edit.txt"), "new")
	writeFile(t, filepath.Join(ws.Path, "docs", "added.md"), "# added")

	changed, err := m.Commit(ws)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/added.md", "edit.txt"}, changed)

	data, err := os.ReadFile(filepath.Join(base, "edit.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
	assert.FileExists(t, filepath.Join(base, "docs", "added.md"))
}

func TestReleaseRemovesCopy(t *testing.T) {
	m := NewManager(t.TempDir(), t.TempDir(), zap.NewNop())
	ws, err := m.Acquire("a", "t")
	require.NoError(t, err)

	require.NoError(t, m.Release(ws))
	assert.NoDirExists(t, ws.Path)
	assert.Empty(t, m.Active())
	require.NoError(t, m.Release(ws))

	_, err = m.Commit(ws)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestWorkspacesAreIsolated(t *testing.T) {
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "shared.txt"), "base")
	m := NewManager(base, t.TempDir(), zap.NewNop())

	one, err := m.Acquire("a", "1")
	require.NoError(t, err)
	two, err := m.Acquire("b", "2")
	require.NoError(t, err)
	assert.NotEqual(t, one.Path, two.Path)

	writeFile(t, filepath.Join(one.Path, "shared.txt"), "changed by a")
	data, err := os.ReadFile(filepath.Join(two.Path, "shared.txt"))
	require.NoError(t, err)
	assert.Equal(t, "base", string(data))
}
