package contextdetect

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mnemo/internal/config"
	"mnemo/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", store.Options{})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newTestDetector disables every ambient input so tests opt in to one
// seam at a time.
func newTestDetector(st *store.Store, cfg config.AutoContextConfig, dir string) *Detector {
	d := New(st, cfg)
	d.getenv = func(string) string { return "" }
	d.gitRoot = func(context.Context, string) (string, error) { return "", errors.New("git unavailable") }
	d.cwd = func() (string, error) { return dir, nil }
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within timeout")
}

func TestDetectProjectFromGit(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{}, "/work/acme/sub/dir")
	d.gitRoot = func(_ context.Context, dir string) (string, error) {
		if dir != "/work/acme/sub/dir" {
			t.Errorf("gitRoot called with %q", dir)
		}
		return "/work/acme", nil
	}

	p := d.Detect(context.Background()).Project
	if p.Root != "/work/acme" || p.ID != "acme" || p.Source != SourceGit {
		t.Fatalf("project = %+v, want git root /work/acme", p)
	}
}

func TestDetectProjectMarkerWalk(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "internal", "deep")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	d := newTestDetector(nil, config.AutoContextConfig{}, nested)
	p := d.Detect(context.Background()).Project
	if p.Root != root {
		t.Fatalf("root = %q, want %q", p.Root, root)
	}
	if p.Source != SourceMarker {
		t.Fatalf("source = %q, want %q", p.Source, SourceMarker)
	}
	if p.ID != filepath.Base(root) {
		t.Fatalf("id = %q, want %q", p.ID, filepath.Base(root))
	}
}

func TestDetectProjectCwdFallback(t *testing.T) {
	dir := t.TempDir()
	d := newTestDetector(nil, config.AutoContextConfig{}, dir)

	p := d.Detect(context.Background()).Project
	if p.Source != SourceCwd {
		t.Fatalf("source = %q, want %q", p.Source, SourceCwd)
	}
	if p.Root != dir || p.ID != filepath.Base(dir) {
		t.Fatalf("project = %+v", p)
	}
}

func TestDetectSessionPrecedence(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.StartConversation(&store.Conversation{SessionID: "sess-live", Title: "work"}, "tester"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	d := newTestDetector(st, config.AutoContextConfig{AutoSession: true}, t.TempDir())
	env := map[string]string{EnvSession: "sess-env"}
	d.getenv = func(k string) string { return env[k] }

	ctx := context.Background()
	if s := d.Detect(ctx).Session; s.ID != "sess-env" || s.Source != SourceEnv {
		t.Fatalf("session = %+v, want env override", s)
	}

	delete(env, EnvSession)
	if s := d.Refresh(ctx).Session; s.ID != "sess-live" || s.Source != SourceStore {
		t.Fatalf("session = %+v, want store session", s)
	}
}

func TestDetectSessionAutoCreate(t *testing.T) {
	st := newTestStore(t)
	d := newTestDetector(st, config.AutoContextConfig{AutoSession: true}, t.TempDir())

	ctx := context.Background()
	s := d.Detect(ctx).Session
	if s.Source != SourceAuto || s.ID == "" {
		t.Fatalf("session = %+v, want auto-created", s)
	}

	// The minted id is stable across cache invalidation.
	if again := d.Refresh(ctx).Session; again.ID != s.ID {
		t.Fatalf("auto session changed across refresh: %q then %q", s.ID, again.ID)
	}
}

func TestDetectSessionNone(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{}, t.TempDir())

	s := d.Detect(context.Background()).Session
	if s.ID != "" || s.Source != SourceNone {
		t.Fatalf("session = %+v, want none", s)
	}
}

func TestDetectAgent(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{DefaultAgentID: "builder"}, t.TempDir())

	ctx := context.Background()
	if a := d.Detect(ctx).Agent; a.ID != "builder" || a.Source != SourceConfig {
		t.Fatalf("agent = %+v, want configured default", a)
	}

	d.getenv = func(k string) string {
		if k == EnvAgentID {
			return "agent-7"
		}
		return ""
	}
	if a := d.Refresh(ctx).Agent; a.ID != "agent-7" || a.Source != SourceEnv {
		t.Fatalf("agent = %+v, want env override", a)
	}
}

func TestDetectAgentFallbackDefault(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{}, t.TempDir())
	if a := d.Detect(context.Background()).Agent; a.ID != "default" {
		t.Fatalf("agent id = %q, want %q", a.ID, "default")
	}
}

func TestDetectCachesWithinTTL(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	d := newTestDetector(nil, config.AutoContextConfig{CacheTTLMS: 60000}, dir1)
	calls := 0
	cur := dir1
	d.cwd = func() (string, error) { calls++; return cur, nil }

	ctx := context.Background()
	first := d.Detect(ctx)
	cur = dir2
	if second := d.Detect(ctx); second.Project.Root != first.Project.Root {
		t.Fatalf("cached detect returned %q, want %q", second.Project.Root, first.Project.Root)
	}
	if calls != 1 {
		t.Fatalf("cwd consulted %d times, want 1", calls)
	}

	if third := d.Refresh(ctx); third.Project.Root != dir2 {
		t.Fatalf("refresh returned %q, want %q", third.Project.Root, dir2)
	}
}

func TestDetectTTLExpiry(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()
	d := newTestDetector(nil, config.AutoContextConfig{CacheTTLMS: 10}, dir1)
	cur := dir1
	d.cwd = func() (string, error) { return cur, nil }

	ctx := context.Background()
	d.Detect(ctx)
	cur = dir2
	waitFor(t, time.Second, func() bool {
		return d.Detect(ctx).Project.Root == dir2
	})
}

func TestEnrichParamsFillsMissing(t *testing.T) {
	st := newTestStore(t)
	dir := t.TempDir()
	d := newTestDetector(st, config.AutoContextConfig{Enabled: true, AutoSession: true}, dir)

	params := d.EnrichParams(context.Background(), map[string]any{"sessionId": "explicit"})
	if params["sessionId"] != "explicit" {
		t.Fatalf("explicit sessionId overwritten: %v", params["sessionId"])
	}
	if params["projectId"] != filepath.Base(dir) {
		t.Fatalf("projectId = %v, want %q", params["projectId"], filepath.Base(dir))
	}
	if params["agentId"] != "default" {
		t.Fatalf("agentId = %v, want %q", params["agentId"], "default")
	}
}

func TestEnrichParamsEmptyStringCountsAsMissing(t *testing.T) {
	dir := t.TempDir()
	d := newTestDetector(nil, config.AutoContextConfig{Enabled: true}, dir)

	params := d.EnrichParams(context.Background(), map[string]any{"projectId": ""})
	if params["projectId"] != filepath.Base(dir) {
		t.Fatalf("projectId = %v, want detected id", params["projectId"])
	}
}

func TestEnrichParamsNonStringLeftAlone(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{Enabled: true}, t.TempDir())

	params := d.EnrichParams(context.Background(), map[string]any{"projectId": 42})
	if params["projectId"] != 42 {
		t.Fatalf("non-string projectId rewritten: %v", params["projectId"])
	}
}

func TestEnrichParamsDisabled(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{Enabled: false}, t.TempDir())

	if params := d.EnrichParams(context.Background(), nil); params != nil {
		t.Fatalf("disabled enrichment allocated params: %v", params)
	}
}

func TestEnrichParamsNilMapAllocates(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{Enabled: true}, t.TempDir())

	params := d.EnrichParams(context.Background(), nil)
	if params == nil || params["projectId"] == nil {
		t.Fatalf("params = %v, want allocated map with projectId", params)
	}
}

func TestEnrichParamsSkipsEmptySession(t *testing.T) {
	d := newTestDetector(nil, config.AutoContextConfig{Enabled: true}, t.TempDir())

	params := d.EnrichParams(context.Background(), map[string]any{})
	if _, ok := params["sessionId"]; ok {
		t.Fatalf("sessionId = %v, want absent when nothing detected", params["sessionId"])
	}
}

func TestWatcherClearsCacheOnMarkerChange(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newTestDetector(nil, config.AutoContextConfig{CacheTTLMS: 600000}, root)
	ctx := context.Background()
	if err := d.StartWatcher(ctx); err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer d.StopWatcher()

	d.mu.Lock()
	primed := d.cached != nil
	d.mu.Unlock()
	if !primed {
		t.Fatal("StartWatcher did not prime the cache")
	}

	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module y\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 2*time.Second, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.cached == nil
	})
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := newTestDetector(nil, config.AutoContextConfig{CacheTTLMS: 600000}, root)
	ctx := context.Background()
	if err := d.StartWatcher(ctx); err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	defer d.StopWatcher()

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("scratch"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached == nil {
		t.Fatal("unrelated file change cleared the cache")
	}
}

func TestWatcherLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := t.TempDir()
	d := newTestDetector(nil, config.AutoContextConfig{}, root)
	ctx := context.Background()

	if err := d.StartWatcher(ctx); err != nil {
		t.Fatalf("StartWatcher failed: %v", err)
	}
	// Second start is a no-op.
	if err := d.StartWatcher(ctx); err != nil {
		t.Fatalf("second StartWatcher failed: %v", err)
	}
	d.StopWatcher()
	d.StopWatcher()
}
