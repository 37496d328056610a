// Package contextdetect maps the running process to a project, session,
// and agent so tool calls can omit the obvious.
//
// Each component carries a source tag naming where it came from.
// Detection never fails; components degrade to tagged fallbacks instead.
// Results are cached for a short TTL, explicitly clearable, and
// optionally invalidated by a filesystem watcher on the project markers.
package contextdetect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// Environment variables honored before any detection runs.
const (
	EnvSession = "MNEMO_SESSION"
	EnvAgentID = "MNEMO_AGENT_ID"
)

// Source tags on detected components.
const (
	SourceEnv    = "env"
	SourceGit    = "git"
	SourceMarker = "marker"
	SourceCwd    = "cwd"
	SourceStore  = "store"
	SourceAuto   = "auto"
	SourceConfig = "config"
	SourceNone   = "none"
)

// projectMarkers, checked in order, mark a directory as a project root.
var projectMarkers = []string{".git", "go.mod", "package.json"}

// Project is the detected workspace.
type Project struct {
	ID     string `json:"id"`
	Root   string `json:"root"`
	Source string `json:"source"`
}

// Session is the detected or created session.
type Session struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// Agent is the calling agent's identity.
type Agent struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

// Context is one detection result.
type Context struct {
	Project Project `json:"project"`
	Session Session `json:"session"`
	Agent   Agent   `json:"agent"`
}

// Detector resolves and caches the process context.
type Detector struct {
	store *store.Store
	cfg   config.AutoContextConfig
	ttl   time.Duration

	cwd     func() (string, error)
	getenv  func(string) string
	gitRoot func(ctx context.Context, dir string) (string, error)

	mu      sync.Mutex
	cached  *Context
	expires time.Time
	autoID  string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New builds a detector over the store's session ledger. st may be nil;
// session detection then skips the active-session lookup.
func New(st *store.Store, cfg config.AutoContextConfig) *Detector {
	ttl := 5 * time.Second
	if cfg.CacheTTLMS > 0 {
		ttl = time.Duration(cfg.CacheTTLMS) * time.Millisecond
	}
	return &Detector{
		store:   st,
		cfg:     cfg,
		ttl:     ttl,
		cwd:     os.Getwd,
		getenv:  os.Getenv,
		gitRoot: gitTopLevel,
	}
}

// Detect resolves the current context, serving the cached answer while
// the TTL holds.
func (d *Detector) Detect(ctx context.Context) Context {
	d.mu.Lock()
	if d.cached != nil && time.Now().Before(d.expires) {
		c := *d.cached
		d.mu.Unlock()
		return c
	}
	d.mu.Unlock()

	c := Context{
		Project: d.detectProject(ctx),
		Session: d.detectSession(),
		Agent:   d.detectAgent(),
	}

	d.mu.Lock()
	d.cached = &c
	d.expires = time.Now().Add(d.ttl)
	d.mu.Unlock()

	logging.ContextDebug("detected project=%s(%s) session=%s(%s) agent=%s(%s)",
		c.Project.ID, c.Project.Source, c.Session.ID, c.Session.Source, c.Agent.ID, c.Agent.Source)
	return c
}

// ClearCache drops the cached context. The next Detect re-runs
// detection; an auto-created session id survives.
func (d *Detector) ClearCache() {
	d.mu.Lock()
	d.cached = nil
	d.expires = time.Time{}
	d.mu.Unlock()
}

// Refresh clears the cache and re-detects.
func (d *Detector) Refresh(ctx context.Context) Context {
	d.ClearCache()
	return d.Detect(ctx)
}

// EnrichParams fills projectId, sessionId, and agentId when the caller
// omitted them (absent or empty string). Explicit values are never
// overwritten. Returns the map for chaining; nil allocates.
func (d *Detector) EnrichParams(ctx context.Context, params map[string]any) map[string]any {
	if !d.cfg.Enabled {
		return params
	}
	if params == nil {
		params = map[string]any{}
	}

	c := d.Detect(ctx)
	fill := func(key, val string) {
		if val == "" {
			return
		}
		if cur, ok := params[key]; ok {
			if s, isStr := cur.(string); !isStr || s != "" {
				return
			}
		}
		params[key] = val
	}
	fill("projectId", c.Project.ID)
	fill("sessionId", c.Session.ID)
	fill("agentId", c.Agent.ID)
	return params
}

func (d *Detector) detectProject(ctx context.Context) Project {
	dir, err := d.cwd()
	if err != nil {
		logging.ContextWarn("working directory unavailable: %v", err)
		return Project{Source: SourceNone}
	}
	if root, err := d.gitRoot(ctx, dir); err == nil && root != "" {
		return Project{ID: filepath.Base(root), Root: root, Source: SourceGit}
	}
	if root, ok := markerWalk(dir); ok {
		return Project{ID: filepath.Base(root), Root: root, Source: SourceMarker}
	}
	return Project{ID: filepath.Base(dir), Root: dir, Source: SourceCwd}
}

func (d *Detector) detectSession() Session {
	if id := d.getenv(EnvSession); id != "" {
		return Session{ID: id, Source: SourceEnv}
	}
	if d.store != nil {
		id, err := d.store.ActiveSession()
		if err != nil {
			logging.ContextWarn("active session lookup failed: %v", err)
		} else if id != "" {
			return Session{ID: id, Source: SourceStore}
		}
	}
	if d.cfg.AutoSession {
		return Session{ID: d.autoSession(), Source: SourceAuto}
	}
	return Session{Source: SourceNone}
}

// autoSession mints a session id once and hands it out for the life of
// the process, so a second detection observes the same session.
func (d *Detector) autoSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.autoID == "" {
		d.autoID = uuid.NewString()
		logging.Context("auto-created session %s", d.autoID)
	}
	return d.autoID
}

func (d *Detector) detectAgent() Agent {
	if id := d.getenv(EnvAgentID); id != "" {
		return Agent{ID: id, Source: SourceEnv}
	}
	id := d.cfg.DefaultAgentID
	if id == "" {
		id = "default"
	}
	return Agent{ID: id, Source: SourceConfig}
}

// markerWalk climbs from dir toward the filesystem root looking for the
// first directory holding a project marker.
func markerWalk(dir string) (string, bool) {
	for {
		for _, m := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// gitTopLevel asks git for the repository root containing dir.
func gitTopLevel(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// StartWatcher watches the detected project root and clears the cache
// when a marker file changes, so re-inits surface without waiting out
// the TTL. No-op when a watcher is already running.
func (d *Detector) StartWatcher(ctx context.Context) error {
	root := d.Detect(ctx).Project.Root
	if root == "" {
		return memerr.Validation("no project root to watch")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return memerr.Internal("start context watcher", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return memerr.Internal("watch project root", err)
	}

	d.mu.Lock()
	if d.watcher != nil {
		d.mu.Unlock()
		w.Close()
		return nil
	}
	done := make(chan struct{})
	d.watcher = w
	d.done = done
	d.mu.Unlock()

	go d.watchLoop(w, done)
	logging.Context("watching project root %s", root)
	return nil
}

// StopWatcher closes the watcher and waits for its loop to exit.
// Idempotent.
func (d *Detector) StopWatcher() {
	d.mu.Lock()
	w, done := d.watcher, d.done
	d.watcher, d.done = nil, nil
	d.mu.Unlock()
	if w == nil {
		return
	}
	w.Close()
	<-done
}

func (d *Detector) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isMarker(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.ContextDebug("project marker changed (%s %s), clearing cache", ev.Op, ev.Name)
			d.ClearCache()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logging.ContextWarn("context watcher: %v", err)
		}
	}
}

func isMarker(name string) bool {
	for _, m := range projectMarkers {
		if name == m {
			return true
		}
	}
	return false
}
