package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrInvalidTemplate is returned for templates that fail validation.
var ErrInvalidTemplate = errors.New("invalid workflow template")

const templateSchema = `{
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "version": {"type": "string"},
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["", "any", "string", "number", "integer", "boolean", "bool", "array", "object"]},
          "required": {"type": "boolean"},
          "description": {"type": "string"}
        }
      }
    },
    "steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
  },
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "type": {"enum": ["tool", "prompt", "condition", "parallel", "loop", "user_input", "wait"]},
        "tool": {"type": "string"},
        "args": {"type": "object"},
        "prompt": {"type": "string"},
        "condition": {"type": "string"},
        "input": {"type": "string"},
        "delay": {"type": "string"},
        "output_variable": {"type": "string"},
        "on_error": {"enum": ["", "fail", "skip", "retry", "continue"]},
        "if_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
        "else_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
        "loop_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}},
        "parallel_steps": {"type": "array", "items": {"$ref": "#/$defs/step"}}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("workflow_template.json", templateSchema)
	})
	return schema, schemaErr
}

// ParseTemplate decodes a YAML or JSON template and validates it.
func ParseTemplate(name string, data []byte) (Template, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Template{}, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err)
	}
	// round-trip through JSON so the schema sees plain JSON values
	raw, err := json.Marshal(doc)
	if err != nil {
		return Template{}, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Template{}, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err)
	}

	s, err := compiledSchema()
	if err != nil {
		return Template{}, err
	}
	if err := s.Validate(generic); err != nil {
		return Template{}, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err)
	}

	var t Template
	if err := json.Unmarshal(raw, &t); err != nil {
		return Template{}, fmt.Errorf("%s: %w: %v", name, ErrInvalidTemplate, err)
	}
	if err := Validate(t); err != nil {
		return Template{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// Validate checks the structural rules the schema cannot express.
func Validate(t Template) error {
	var problems []string
	if t.ID == "" {
		problems = append(problems, "template id is empty")
	}
	seen := make(map[string]bool, len(t.Steps))
	for i, s := range t.Steps {
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("step %d has no id", i))
			continue
		}
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", s.ID))
		}
		seen[s.ID] = true
		if s.Type == StepTool && s.Tool == "" {
			problems = append(problems, fmt.Sprintf("tool step %q names no tool", s.ID))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTemplate, strings.Join(problems, "; "))
	}
	return nil
}

// Catalog holds the templates available to the executor: the builtin
// set plus those loaded from a directory.
type Catalog struct {
	mu        sync.RWMutex
	templates map[string]Template
	fromDir   map[string]bool
	logger    *zap.Logger

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	watchWg sync.WaitGroup
}

// NewCatalog returns a catalog seeded with the builtin templates.
func NewCatalog(logger *zap.Logger) *Catalog {
	c := &Catalog{
		templates: make(map[string]Template),
		fromDir:   make(map[string]bool),
		logger:    logger,
	}
	for _, t := range Builtins() {
		c.templates[t.ID] = t
	}
	return c
}

// Add registers t, replacing a template with the same id.
func (c *Catalog) Add(t Template) error {
	if err := Validate(t); err != nil {
		return err
	}
	if t.Version == "" {
		t.Version = "1.0.0"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.templates[t.ID] = t
	return nil
}

// Get returns a template by id.
func (c *Catalog) Get(id string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[id]
	return t, ok
}

// List returns every template sorted by id.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, t)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir (re)loads every *.yaml, *.yml and *.json file in dir. Files
// that fail validation are logged and skipped; templates loaded earlier
// from the directory that no longer exist are dropped.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read templates dir: %w", err)
	}

	loaded := make(map[string]Template)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("read template failed", zap.String("path", path), zap.Error(err))
			continue
		}
		t, err := ParseTemplate(entry.Name(), data)
		if err != nil {
			c.logger.Warn("skipping invalid template", zap.String("path", path), zap.Error(err))
			continue
		}
		if t.Version == "" {
			t.Version = "1.0.0"
		}
		loaded[t.ID] = t
	}

	builtins := make(map[string]Template)
	for _, t := range Builtins() {
		builtins[t.ID] = t
	}

	c.mu.Lock()
	for id := range c.fromDir {
		if _, still := loaded[id]; still {
			continue
		}
		if b, ok := builtins[id]; ok {
			c.templates[id] = b
		} else {
			delete(c.templates, id)
		}
	}
	c.fromDir = make(map[string]bool, len(loaded))
	for id, t := range loaded {
		c.templates[id] = t
		c.fromDir[id] = true
	}
	c.mu.Unlock()

	c.logger.Info("workflow templates loaded", zap.String("dir", dir), zap.Int("count", len(loaded)))
	return len(loaded), nil
}

// Watch reloads dir whenever a file in it changes, until ctx ends or
// Close is called. Bursts of events are coalesced over debounce.
func (c *Catalog) Watch(ctx context.Context, dir string, debounce time.Duration) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	c.watcher = w
	c.watchWg.Add(1)
	go c.watchLoop(ctx, w, dir, debounce)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, w *fsnotify.Watcher, dir string, debounce time.Duration) {
	defer c.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if _, err := c.LoadDir(dir); err != nil {
				c.logger.Warn("template reload failed", zap.Error(err))
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			c.logger.Warn("template watch error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (c *Catalog) Close() error {
	c.watchMu.Lock()
	w := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	c.watchWg.Wait()
	return err
}
