package catalog

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/pkg/schema"
)

// DefaultPattern matches every JSON and YAML file below the directory.
const DefaultPattern = "**/*.{json,yaml,yml}"

const reloadDelay = 200 * time.Millisecond

// CheckFunc rejects a definition before it is published.
type CheckFunc func(def *schema.WorkflowDefinition) error

// DirCatalog serves the definitions found in a directory. Files are matched
// with a doublestar pattern; invalid files are logged and skipped.
type DirCatalog struct {
	dir     string
	pattern string
	check   CheckFunc
	logger  *slog.Logger

	mu     sync.RWMutex
	defs   map[string]*schema.WorkflowDefinition
	source map[string]string // id -> file
}

// DirOption configures a DirCatalog.
type DirOption func(*DirCatalog)

// WithPattern overrides DefaultPattern.
func WithPattern(p string) DirOption {
	return func(c *DirCatalog) {
		if p != "" {
			c.pattern = p
		}
	}
}

// WithCheck installs a validation hook run on every loaded definition.
func WithCheck(fn CheckFunc) DirOption {
	return func(c *DirCatalog) { c.check = fn }
}

func WithLogger(l *slog.Logger) DirOption {
	return func(c *DirCatalog) { c.logger = l }
}

func NewDirCatalog(dir string, opts ...DirOption) (*DirCatalog, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	c := &DirCatalog{
		dir:     abs,
		pattern: DefaultPattern,
		defs:    map[string]*schema.WorkflowDefinition{},
		source:  map[string]string{},
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = logging.OrDiscard(c.logger)
	if !doublestar.ValidatePattern(c.pattern) {
		return nil, fmt.Errorf("catalog: invalid pattern %q", c.pattern)
	}
	return c, nil
}

// Load scans the directory and replaces the published set. It returns the
// number of definitions loaded.
func (c *DirCatalog) Load(ctx context.Context) (int, error) {
	matches, err := doublestar.Glob(os.DirFS(c.dir), c.pattern, doublestar.WithFilesOnly())
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", c.dir, err)
	}
	sort.Strings(matches)

	defs := make(map[string]*schema.WorkflowDefinition, len(matches))
	source := make(map[string]string, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		path := filepath.Join(c.dir, filepath.FromSlash(rel))
		def, err := LoadFile(path)
		if err == nil && c.check != nil {
			err = c.check(def)
		}
		if err != nil {
			c.logger.Warn("skipping workflow file", slog.String("file", rel), slog.String("error", err.Error()))
			continue
		}
		if prev, dup := source[def.ID]; dup {
			c.logger.Warn("duplicate workflow id", slog.String("id", def.ID),
				slog.String("file", rel), slog.String("kept", prev))
			continue
		}
		defs[def.ID] = def
		source[def.ID] = rel
	}

	c.mu.Lock()
	c.defs, c.source = defs, source
	c.mu.Unlock()
	c.logger.Info("workflow catalog loaded", slog.String("dir", c.dir), slog.Int("workflows", len(defs)))
	return len(defs), nil
}

func (c *DirCatalog) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

func (c *DirCatalog) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*schema.WorkflowDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Watch reloads the catalog whenever a matching file changes, until ctx
// ends. Bursts of events are coalesced into one reload.
func (c *DirCatalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := c.addTree(w, c.dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDelay, func() {
			if _, err := c.Load(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("catalog reload failed", slog.String("error", err.Error()))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := c.addTree(w, ev.Name); err != nil {
						c.logger.Warn("watch new directory", slog.String("dir", ev.Name), slog.String("error", err.Error()))
					}
					schedule()
					continue
				}
			}
			if c.matches(ev.Name) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Error("catalog watcher error", slog.String("error", err.Error()))
		}
	}
}

// addTree watches root and every directory below it; fsnotify is not recursive.
func (c *DirCatalog) addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := w.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}

func (c *DirCatalog) matches(path string) bool {
	rel, err := filepath.Rel(c.dir, path)
	if err != nil {
		return false
	}
	ok, _ := doublestar.Match(c.pattern, filepath.ToSlash(rel))
	return ok
}

var (
	_ Catalog = (*DirCatalog)(nil)
	_ Lister  = (*DirCatalog)(nil)
)
