package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/sprintloop/internal/capability"
)

// Builtin tool names.
const (
	NameRead      = "read"
	NameWrite     = "write"
	NameListDir   = "list_dir"
	NameBash      = "bash"
	NameGitStatus = "git_status"
	NameSystem    = "system_info"
)

// ErrOutsideWorkdir is returned when a path escapes the scoped workdir.
var ErrOutsideWorkdir = errors.New("path escapes working directory")

// BuiltinOptions tunes the builtin tools.
type BuiltinOptions struct {
	CommandTimeout time.Duration
}

// RegisterBuiltins adds the host file and shell tools to reg.
func RegisterBuiltins(reg *Registry, opts BuiltinOptions) error {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Minute
	}
	for _, t := range []Tool{
		readTool(),
		writeTool(),
		listDirTool(),
		bashTool(opts.CommandTimeout),
		gitStatusTool(opts.CommandTimeout),
		systemInfoTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePath makes p absolute against the context workdir, refusing
// paths that leave it.
func ResolvePath(ctx context.Context, p string) (string, error) {
	root := Workdir(ctx)
	if root == "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	root = filepath.Clean(root)
	full := p
	if !filepath.IsAbs(p) {
		full = filepath.Join(root, p)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrOutsideWorkdir)
	}
	return full, nil
}

func readTool() Tool {
	return &Func{
		Def: Definition{
			Name:        NameRead,
			Description: "Read the content of a file",
			Params: []Param{
				{Name: "path", Type: TypeString, Required: true, Description: "File path"},
			},
			Returns:              "file content as output, size in bytes as data",
			RequiredCapabilities: []capability.Name{capability.FSRead},
		},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := ResolvePath(ctx, StringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read file: %w", err)
			}
			return &Result{Success: true, Output: string(data), Data: len(data)}, nil
		},
	}
}

func writeTool() Tool {
	return &Func{
		Def: Definition{
			Name:        NameWrite,
			Description: "Create or overwrite a file",
			Params: []Param{
				{Name: "path", Type: TypeString, Required: true, Description: "File path"},
				{Name: "content", Type: TypeString, Default: "", Description: "New file content"},
			},
			Returns:              "path of the written file as artifact",
			RequiresApproval:     true,
			RequiredCapabilities: []capability.Name{capability.FSWrite},
		},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			path, err := ResolvePath(ctx, StringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			content := StringArg(args, "content")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create parent dir: %w", err)
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write file: %w", err)
			}
			return &Result{
				Success:   true,
				Output:    fmt.Sprintf("wrote %d bytes to %s", len(content), path),
				Data:      len(content),
				Artifacts: []string{path},
			}, nil
		},
	}
}

// DirEntry is one row returned by list_dir.
type DirEntry struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

func listDirTool() Tool {
	return &Func{
		Def: Definition{
			Name:        NameListDir,
			Description: "List a directory, directories first",
			Params: []Param{
				{Name: "path", Type: TypeString, Default: ".", Description: "Directory path"},
			},
			Returns:              "one entry per line as output, []DirEntry as data",
			RequiredCapabilities: []capability.Name{capability.FSRead},
		},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			dir, err := ResolvePath(ctx, StringArg(args, "path"))
			if err != nil {
				return nil, err
			}
			items, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("read directory: %w", err)
			}
			entries := make([]DirEntry, 0, len(items))
			for _, it := range items {
				info, err := it.Info()
				if err != nil {
					continue
				}
				entries = append(entries, DirEntry{
					Name:     it.Name(),
					Path:     filepath.Join(dir, it.Name()),
					IsDir:    it.IsDir(),
					Size:     info.Size(),
					Modified: info.ModTime().Unix(),
				})
			}
			sort.Slice(entries, func(i, j int) bool {
				if entries[i].IsDir != entries[j].IsDir {
					return entries[i].IsDir
				}
				return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
			})

			var buf strings.Builder
			for _, e := range entries {
				buf.WriteString(e.Name)
				if e.IsDir {
					buf.WriteString("/")
				}
				buf.WriteString("\n")
			}
			return &Result{Success: true, Output: buf.String(), Data: entries}, nil
		},
	}
}

func bashTool(timeout time.Duration) Tool {
	return &Func{
		Def: Definition{
			Name:        NameBash,
			Description: "Run a shell command in the working directory",
			Params: []Param{
				{Name: "command", Type: TypeString, Required: true, Description: "Command line passed to sh -c"},
			},
			Returns:              "combined stdout and stderr as output, exit code as data",
			RequiresApproval:     true,
			RequiredCapabilities: []capability.Name{capability.ShellExecute},
		},
		Fn: func(ctx context.Context, args map[string]any) (*Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, "sh", "-c", StringArg(args, "command"))
			if dir := Workdir(ctx); dir != "" {
				cmd.Dir = dir
			}
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out

			err := cmd.Run()
			code := 0
			if cmd.ProcessState != nil {
				code = cmd.ProcessState.ExitCode()
			}
			res := &Result{Success: err == nil, Output: out.String(), Data: code}
			if err != nil {
				res.Error = err.Error()
			}
			return res, nil
		},
	}
}

func gitStatusTool(timeout time.Duration) Tool {
	return &Func{
		Def: Definition{
			Name:        NameGitStatus,
			Description: "Show the working tree status of the repository",
			Returns:     "porcelain status as output, changed paths as data",
			RequiredCapabilities: []capability.Name{
				capability.GitAvailable,
				capability.ShellExecute,
			},
		},
		Fn: func(ctx context.Context, _ map[string]any) (*Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
			if dir := Workdir(ctx); dir != "" {
				cmd.Dir = dir
			}
			out, err := cmd.CombinedOutput()
			if err != nil {
				return &Result{Output: string(out)}, fmt.Errorf("git status: %w", err)
			}
			var changed []string
			for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
				if len(line) > 3 {
					changed = append(changed, line[3:])
				}
			}
			return &Result{Success: true, Output: string(out), Data: changed}, nil
		},
	}
}

func systemInfoTool() Tool {
	return &Func{
		Def: Definition{
			Name:        NameSystem,
			Description: "Report the host OS, architecture and home directory",
			Returns:     "os/arch summary as output, host details as data",
		},
		Fn: func(context.Context, map[string]any) (*Result, error) {
			h := capability.HostInfo()
			return &Result{Success: true, Output: h.OS + "/" + h.Arch, Data: h}, nil
		},
	}
}
