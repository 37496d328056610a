// Package coordinate enforces a process-wide memory ceiling across the
// service's caches.
//
// Caches register behind the ManagedCache capability and never learn
// about the coordinator; unregistering is the end of the relationship,
// so the registry cannot extend a cache's lifetime past its owner's.
// A background loop samples total usage every check interval and, when
// usage crosses the pressure threshold, sheds entries until usage is
// back under the eviction target. Lower-priority caches shed more.
package coordinate

import (
	"context"
	"sort"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// ManagedCache is the capability a cache exposes to the coordinator.
// Implementations must be safe for concurrent use; the coordinator calls
// them from its own goroutine without any shared lock.
type ManagedCache interface {
	SizeBytes() int64
	EntryCount() int
	EvictEntries(n int) int
}

// MaxPriority caps registration priority. A priority-MaxPriority cache
// sheds at weight 1 while a priority-0 cache sheds at MaxPriority+1.
const MaxPriority = 10

type registration struct {
	name     string
	cache    ManagedCache
	priority int
}

func (r registration) weight() int { return MaxPriority - r.priority + 1 }

// Coordinator owns the cache registry and the pressure loop.
type Coordinator struct {
	clk     clock
	restart chan struct{}

	mu       sync.RWMutex
	cfg      config.CacheConfig
	interval time.Duration
	caches   map[string]registration
	running  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a coordinator. Zero or invalid config fields fall back to
// the shipped defaults; Start begins the periodic checks.
func New(cfg config.CacheConfig, checkInterval time.Duration) *Coordinator {
	return newWithClock(cfg, checkInterval, realClock{})
}

func newWithClock(cfg config.CacheConfig, checkInterval time.Duration, clk clock) *Coordinator {
	def := config.DefaultConfig()
	if cfg.TotalLimitMB <= 0 {
		cfg.TotalLimitMB = def.Cache.TotalLimitMB
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = def.Cache.PressureThreshold
	}
	if cfg.EvictionTarget <= 0 || cfg.EvictionTarget > cfg.PressureThreshold {
		cfg.EvictionTarget = min(def.Cache.EvictionTarget, cfg.PressureThreshold)
	}
	if checkInterval <= 0 {
		checkInterval = def.CheckInterval()
	}
	return &Coordinator{
		clk:      clk,
		restart:  make(chan struct{}, 1),
		cfg:      cfg,
		interval: checkInterval,
		caches:   map[string]registration{},
	}
}

// Register adds cache under name, replacing any prior registration with
// the same name. Priority clamps to [0, MaxPriority]; higher priorities
// lose fewer entries under pressure.
func (c *Coordinator) Register(name string, cache ManagedCache, priority int) {
	if name == "" || cache == nil {
		logging.CoordinateWarn("ignoring cache registration with empty name or nil cache")
		return
	}
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	c.mu.Lock()
	c.caches[name] = registration{name: name, cache: cache, priority: priority}
	c.mu.Unlock()
	logging.CoordinateDebug("registered cache %q priority=%d", name, priority)
}

// Unregister removes a cache from the registry. Unknown names no-op.
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	delete(c.caches, name)
	c.mu.Unlock()
}

// UpdateConfig swaps thresholds and cadence atomically. An interval
// change restarts the running ticker.
func (c *Coordinator) UpdateConfig(cfg config.CacheConfig, checkInterval time.Duration) {
	def := config.DefaultConfig()
	if cfg.TotalLimitMB <= 0 {
		cfg.TotalLimitMB = def.Cache.TotalLimitMB
	}
	if cfg.PressureThreshold <= 0 || cfg.PressureThreshold > 1 {
		cfg.PressureThreshold = def.Cache.PressureThreshold
	}
	if cfg.EvictionTarget <= 0 || cfg.EvictionTarget > cfg.PressureThreshold {
		cfg.EvictionTarget = min(def.Cache.EvictionTarget, cfg.PressureThreshold)
	}
	if checkInterval <= 0 {
		checkInterval = def.CheckInterval()
	}

	c.mu.Lock()
	retick := c.running && checkInterval != c.interval
	c.cfg = cfg
	c.interval = checkInterval
	c.mu.Unlock()

	if retick {
		select {
		case c.restart <- struct{}{}:
		default:
		}
	}
	logging.Coordinate("coordinator config updated: limit=%dMB check every %s", cfg.TotalLimitMB, checkInterval)
}

// Start launches the pressure loop. Calling Start on a running
// coordinator is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	limit, interval := c.cfg.TotalLimitMB, c.interval
	c.mu.Unlock()

	go c.run(ctx)
	logging.Coordinate("coordinator started: limit=%dMB check every %s", limit, interval)
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	logging.Coordinate("coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	tk := c.clk.Ticker(c.currentInterval())
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.restart:
			tk.Stop()
			tk = c.clk.Ticker(c.currentInterval())
		case <-tk.C():
			c.CheckPressure()
		}
	}
}

func (c *Coordinator) currentInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

// CacheInfo is one registered cache's accounting snapshot.
type CacheInfo struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Bytes    int64  `json:"bytes"`
	Entries  int    `json:"entries"`
}

// Snapshot reads current accounting for every registered cache, sorted
// by name. Feeds the budget-info surface.
func (c *Coordinator) Snapshot() []CacheInfo {
	regs := c.registrations()
	out := make([]CacheInfo, 0, len(regs))
	for _, r := range regs {
		m, ok := measure(r)
		if !ok {
			continue
		}
		out = append(out, CacheInfo{Name: r.name, Priority: r.priority, Bytes: m.bytes, Entries: m.entries})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PressureReport is the outcome of one accounting round.
type PressureReport struct {
	TotalBytes int64          `json:"totalBytes"`
	LimitBytes int64          `json:"limitBytes"`
	Pressure   bool           `json:"pressure"`
	Evicted    map[string]int `json:"evicted,omitempty"`
}

// CheckPressure runs one accounting round. When total usage crosses the
// pressure threshold it sheds entries, heaviest from the lowest-priority
// caches, until usage is at or under the eviction target. No cache loses
// its last entry in a single pass; a round that cannot make progress
// stops rather than spinning. Safe to call alongside the loop.
func (c *Coordinator) CheckPressure() PressureReport {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	regs := c.registrations()

	limit := int64(cfg.TotalLimitMB) * 1024 * 1024
	report := PressureReport{LimitBytes: limit}

	ms, total := measureAll(regs)
	report.TotalBytes = total

	threshold := int64(float64(limit) * cfg.PressureThreshold)
	if total <= threshold {
		logging.CoordinateDebug("pressure check: %d/%d bytes across %d caches", total, limit, len(ms))
		return report
	}

	report.Pressure = true
	report.Evicted = map[string]int{}
	target := int64(float64(limit) * cfg.EvictionTarget)
	usageBefore := usage(total, limit)

	for total > target {
		plan := planEvictions(ms, total-target)
		if len(plan) == 0 {
			break
		}
		progress := false
		for _, m := range ms {
			n := plan[m.name]
			if n <= 0 {
				continue
			}
			evicted := evict(m.registration, n)
			if evicted > 0 {
				progress = true
				report.Evicted[m.name] += evicted
			}
		}
		if !progress {
			break
		}
		ms, total = measureAll(regs)
	}
	report.TotalBytes = total

	usageAfter := usage(total, limit)
	for name, n := range report.Evicted {
		logging.Audit().Eviction(name, n, usageBefore, usageAfter)
	}
	logging.Coordinate("memory pressure: usage %.2f -> %.2f, evicted %v", usageBefore, usageAfter, report.Evicted)
	return report
}

// registrations snapshots the registry ordered for eviction: lowest
// priority first, name ascending between equals. The lock is released
// before any cache method runs.
func (c *Coordinator) registrations() []registration {
	c.mu.RLock()
	regs := make([]registration, 0, len(c.caches))
	for _, r := range c.caches {
		regs = append(regs, r)
	}
	c.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].name < regs[j].name
	})
	return regs
}

type measured struct {
	registration
	bytes   int64
	entries int
}

func measureAll(regs []registration) ([]measured, int64) {
	ms := make([]measured, 0, len(regs))
	var total int64
	for _, r := range regs {
		m, ok := measure(r)
		if !ok {
			continue
		}
		ms = append(ms, m)
		total += m.bytes
	}
	return ms, total
}

// measure reads one cache's accounting. A panicking cache should not
// take the coordinator down with it.
func measure(r registration) (m measured, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logging.CoordinateWarn("cache %q panicked during accounting: %v", r.name, p)
			ok = false
		}
	}()
	return measured{registration: r, bytes: r.cache.SizeBytes(), entries: r.cache.EntryCount()}, true
}

func evict(r registration, n int) (evicted int) {
	defer func() {
		if p := recover(); p != nil {
			logging.CoordinateWarn("cache %q panicked during eviction: %v", r.name, p)
		}
	}()
	return r.cache.EvictEntries(n)
}

// planEvictions assigns each cache a share of bytesToFree proportional
// to its weight, converted to an entry count by the cache's average
// entry size. Caches are walked in eviction order and planning stops as
// soon as enough bytes are covered, so equal-priority overflow lands on
// the alphabetically first caches. A cache never plans below one
// remaining entry.
func planEvictions(ms []measured, bytesToFree int64) map[string]int {
	sumW := 0
	for _, m := range ms {
		if m.entries > 1 && m.bytes > 0 {
			sumW += m.weight()
		}
	}
	if sumW == 0 || bytesToFree <= 0 {
		return nil
	}

	plan := map[string]int{}
	var planned int64
	for _, m := range ms {
		if planned >= bytesToFree {
			break
		}
		if m.entries <= 1 || m.bytes <= 0 {
			continue
		}
		perEntry := m.bytes / int64(m.entries)
		if perEntry <= 0 {
			perEntry = 1
		}
		share := bytesToFree * int64(m.weight()) / int64(sumW)
		n := int((share + perEntry - 1) / perEntry)
		if n < 1 {
			n = 1
		}
		if n >= m.entries {
			n = m.entries - 1
		}
		if n <= 0 {
			continue
		}
		plan[m.name] = n
		planned += int64(n) * perEntry
	}
	return plan
}

func usage(total, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(total) / float64(limit)
}
