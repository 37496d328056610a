// Package classify decides which memory kind a piece of free text belongs
// to: guideline, knowledge, or tool. A regex pattern catalog votes first;
// when its verdict is weak (or the caller prefers it) a language-model
// adapter gets a say. Feedback from corrections adjusts per-pattern weights
// over time, so the catalog learns which of its signals to trust.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"mnemo/internal/config"
	"mnemo/internal/extraction"
	"mnemo/internal/logging"
	"mnemo/internal/memerr"
	"mnemo/internal/store"
)

// Classification methods, in order of authority.
const (
	MethodForced   = "forced"
	MethodRegex    = "regex"
	MethodLLM      = "llm"
	MethodFallback = "fallback"
)

// fallbackKind is returned when no pattern fires and no LLM is reachable.
const fallbackKind = store.KindKnowledge

// fallbackConfidence is deliberately low so callers gating on
// autoStoreThreshold reject unclassifiable text.
const fallbackConfidence = 0.25

// Result is one classification verdict.
type Result struct {
	Type               string  `json:"type"`
	Confidence         float64 `json:"confidence"`
	Method             string  `json:"method"`
	Reasoning          string  `json:"reasoning,omitempty"`
	AdjustedByFeedback bool    `json:"adjustedByFeedback,omitempty"`
}

// Options control a single Classify call.
type Options struct {
	// ForceType short-circuits classification to the given kind.
	ForceType string

	// PreferLLM consults the language model even when patterns are
	// confident. Ignored when no adapter is available.
	PreferLLM bool
}

// FeedbackStore persists classification feedback and learned pattern
// state. *store.Store satisfies it; nil means in-memory learning only.
type FeedbackStore interface {
	AppendFeedback(f *store.Feedback) (*store.Feedback, error)
	GetPatternConfidence(patternID string) (*store.PatternConfidence, error)
	UpsertPatternConfidence(pc *store.PatternConfidence) error
	ListPatternConfidence(limit int) ([]*store.PatternConfidence, error)
	RecentFeedback(limit int) ([]*store.Feedback, error)
}

// Classifier is the hybrid pattern+LLM classifier. Safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	state   map[string]*patternState
	store   FeedbackStore
	adapter extraction.Adapter
	cfg     config.ClassificationConfig
	cache   *expirable.LRU[string, Result]
}

// patternState is the in-memory mirror of one pattern_confidence row.
type patternState struct {
	multiplier       float64
	totalMatches     int
	correctMatches   int
	incorrectMatches int
}

// New builds a classifier. st may be nil (learning state is then kept in
// memory only) and adapter may be nil (pattern stage only).
func New(st FeedbackStore, adapter extraction.Adapter, cfg config.ClassificationConfig) *Classifier {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	if cfg.MaxPatternBoost <= 0 {
		cfg.MaxPatternBoost = 0.15
	}
	if cfg.MaxPatternPenalty <= 0 {
		cfg.MaxPatternPenalty = 0.30
	}
	if cfg.LowConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = 0.6
	}
	if cfg.HighConfidenceThreshold <= 0 {
		cfg.HighConfidenceThreshold = 0.8
	}
	if cfg.FeedbackDecayDays <= 0 {
		cfg.FeedbackDecayDays = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	ttl := time.Duration(cfg.CacheTTLMS) * time.Millisecond
	if cfg.CacheTTLMS <= 0 {
		ttl = 2 * time.Minute
	}

	c := &Classifier{
		state:   make(map[string]*patternState),
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		cache:   expirable.NewLRU[string, Result](cfg.CacheSize, nil, ttl),
	}
	c.hydrate()
	return c
}

// Classify maps text to an entry kind with a confidence and a method tag.
func (c *Classifier) Classify(ctx context.Context, text string, opts Options) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, memerr.Validation("text to classify is required")
	}

	if opts.ForceType != "" {
		return c.classifyForced(text, opts)
	}

	preferLLM := opts.PreferLLM || c.cfg.PreferLLM
	key := cacheKey(hashText(text), preferLLM)
	if cached, ok := c.cache.Get(key); ok {
		logging.ClassifyDebug("cache hit for %s", key[:12])
		return cached, nil
	}

	res := c.classifyUncached(ctx, text, preferLLM)
	c.cache.Add(key, res)
	logging.Audit().ClassifyResult(res.Type, res.Method, res.Confidence)
	return res, nil
}

// classifyForced returns the caller's kind verbatim. The result is never
// cached; a divergent pattern prediction is recorded as a correction so
// the catalog learns from the override. The LLM is never consulted here,
// forced callers already know the answer.
func (c *Classifier) classifyForced(text string, opts Options) (Result, error) {
	if !store.ValidEntryKind(opts.ForceType) {
		return Result{}, memerr.Validationf("unknown entry kind %q", opts.ForceType)
	}

	organic := c.patternStage(text)
	if organic.Type != opts.ForceType && organic.Method != MethodFallback {
		if err := c.recordCorrection(text, organic.Type, opts.ForceType, organic.Method, organic.Confidence); err != nil {
			logging.ClassifyDebug("correction from forced divergence failed: %v", err)
		}
	}

	res := Result{
		Type:       opts.ForceType,
		Confidence: 1.0,
		Method:     MethodForced,
		Reasoning:  "type forced by caller",
	}
	logging.Audit().ClassifyResult(res.Type, res.Method, res.Confidence)
	return res, nil
}

// classifyUncached runs the pattern stage and, when warranted, the LLM
// stage. Never fails: LLM trouble degrades to the pattern verdict.
func (c *Classifier) classifyUncached(ctx context.Context, text string, preferLLM bool) Result {
	res := c.patternStage(text)

	if !c.wantLLM(res.Confidence, preferLLM) {
		return res
	}

	decision, err := c.adapter.ClassifyText(ctx, text)
	if err != nil {
		logging.ClassifyDebug("LLM stage failed, keeping %s verdict: %v", res.Method, err)
		return res
	}

	res.Type = decision.Type
	res.Confidence = decision.Confidence
	res.Method = MethodLLM
	if decision.Reasoning != "" {
		res.Reasoning = decision.Reasoning
	}
	return res
}

// patternStage scores the catalog against text.
func (c *Classifier) patternStage(text string) Result {
	matches := c.matchPatterns(text)
	if len(matches) == 0 {
		return Result{
			Type:       fallbackKind,
			Confidence: fallbackConfidence,
			Method:     MethodFallback,
			Reasoning:  "no pattern matched",
		}
	}

	kind, confidence, reasoning := scorePatterns(matches)
	return Result{
		Type:               kind,
		Confidence:         confidence,
		Method:             MethodRegex,
		Reasoning:          reasoning,
		AdjustedByFeedback: c.anyAdjusted(matches),
	}
}

// wantLLM decides whether the LLM stage runs. PreferLLM always consults it;
// otherwise only a weak pattern verdict does.
func (c *Classifier) wantLLM(patternConfidence float64, preferLLM bool) bool {
	if c.adapter == nil || !c.adapter.Available() || !c.cfg.EnableLLMFallback {
		return false
	}
	if preferLLM {
		return true
	}
	return patternConfidence < c.cfg.LowConfidenceThreshold
}

// anyAdjusted reports whether feedback has moved any matched pattern off
// its neutral weight.
func (c *Classifier) anyAdjusted(matches []patternMatch) bool {
	for _, m := range matches {
		if c.multiplier(m.pattern.ID) != 1.0 {
			return true
		}
	}
	return false
}

// hashText is the stable identity of a text for caching and feedback rows.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func cacheKey(textHash string, preferLLM bool) string {
	if preferLLM {
		return textHash + ":llm"
	}
	return textHash
}

// =============================================================================
// MANAGED CACHE CONTRACT
// =============================================================================

// Result entries are small; this estimate only has to keep the memory
// coordinator's arithmetic honest.
const approxResultBytes = 256

// SizeBytes estimates the result cache footprint.
func (c *Classifier) SizeBytes() int64 {
	return int64(c.cache.Len()) * approxResultBytes
}

// EntryCount returns the number of cached results.
func (c *Classifier) EntryCount() int {
	return c.cache.Len()
}

// EvictEntries drops up to n of the oldest cached results and returns the
// number actually dropped.
func (c *Classifier) EvictEntries(n int) int {
	dropped := 0
	for i := 0; i < n; i++ {
		if _, _, ok := c.cache.RemoveOldest(); !ok {
			break
		}
		dropped++
	}
	return dropped
}
