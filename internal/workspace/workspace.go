// Package workspace hands out isolated copies of a base directory so that
// concurrent agents never write to the same files.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// ErrReleased is returned when committing a workspace that was released.
var ErrReleased = errors.New("workspace already released")

// Workspace is one isolated copy of the base directory.
type Workspace struct {
	Path    string `json:"path"`
	Branch  string `json:"branch"`
	AgentID string `json:"agent_id"`
	TaskID  string `json:"task_id"`
}

// Manager creates and tracks workspaces.
type Manager struct {
	mu     sync.Mutex
	base   string
	root   string
	active map[string]*Workspace
	logger *zap.Logger
}

// NewManager copies from base into temporary directories under root. An
// empty root uses the system temp dir.
func NewManager(base, root string, logger *zap.Logger) *Manager {
	return &Manager{
		base:   base,
		root:   root,
		active: make(map[string]*Workspace),
		logger: logger,
	}
}

// Branch returns the branch identifier for an agent/task pair.
func Branch(agentID, taskID string) string {
	return fmt.Sprintf("sprintloop/%s/%s", agentID, taskID)
}

// Acquire copies the base directory into a fresh temp dir.
func (m *Manager) Acquire(agentID, taskID string) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, "sprintloop-"+agentID+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if m.base != "" {
		if err := copyTree(m.base, dir); err != nil {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("populate workspace: %w", err)
		}
	}

	ws := &Workspace{Path: dir, Branch: Branch(agentID, taskID), AgentID: agentID, TaskID: taskID}
	m.mu.Lock()
	m.active[dir] = ws
	m.mu.Unlock()

	m.logger.Debug("workspace acquired", zap.String("path", dir), zap.String("branch", ws.Branch))
	return ws, nil
}

// Commit copies files that are new or changed in ws back into the base
// directory and returns their relative paths, sorted. Deletions are not
// propagated.
func (m *Manager) Commit(ws *Workspace) ([]string, error) {
	m.mu.Lock()
	_, ok := m.active[ws.Path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", ws.Branch, ErrReleased)
	}
	if m.base == "" {
		return []string{}, nil
	}

	changed := []string{}
	err := filepath.WalkDir(ws.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(ws.Path, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(m.base, rel)
		same, err := sameContent(path, dst)
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		changed = append(changed, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", ws.Branch, err)
	}
	sort.Strings(changed)

	m.logger.Info("workspace committed",
		zap.String("branch", ws.Branch), zap.Int("files", len(changed)))
	return changed, nil
}

// Release removes the workspace directory. Releasing twice is a no-op.
func (m *Manager) Release(ws *Workspace) error {
	m.mu.Lock()
	_, ok := m.active[ws.Path]
	delete(m.active, ws.Path)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("release %s: %w", ws.Branch, err)
	}
	return nil
}

// Active returns the workspaces currently held.
func (m *Manager) Active() []Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Workspace, 0, len(m.active))
	for _, ws := range m.active {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Branch < out[j].Branch })
	return out
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if d.Name() == ".git" && rel != "." {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sameContent(a, b string) (bool, error) {
	bb, err := os.ReadFile(b)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ab, err := os.ReadFile(a)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
