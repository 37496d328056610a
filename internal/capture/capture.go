// Package capture implements the remember path: free text comes in, gets
// classified (or redirected to experience capture when a strong outcome cue
// is present), and lands in the matching repository. It also owns the
// session-end sweep that mines finished conversations for entries the
// turn-by-turn path missed.
package capture

import (
	"context"
	"fmt"
	"strings"

	"mnemo/internal/classify"
	"mnemo/internal/config"
	"mnemo/internal/embedding"
	"mnemo/internal/extraction"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/trigger"
	"mnemo/internal/validate"
)

// redirectConfidenceCeiling gates the experience redirect: a classifier
// this sure of a non-experience kind wins over the trigger cue.
const redirectConfidenceCeiling = 0.9

// MethodTrigger marks entries stored through the experience redirect, as
// opposed to the classifier methods (forced, regex, llm, fallback).
const MethodTrigger = "trigger"

const defaultActor = "capture"

// Service wires the classifier, trigger detector, and repositories into
// the remember and sweep operations. Engine and adapter may be nil; the
// paths that need them degrade instead of failing.
type Service struct {
	store   *store.Store
	clf     *classify.Classifier
	engine  embedding.EmbeddingEngine
	adapter extraction.Adapter
	cfg     config.CaptureConfig
	queue   *Queue
}

// New builds the capture service. Zero config fields fall back to the
// stock thresholds.
func New(st *store.Store, clf *classify.Classifier, engine embedding.EmbeddingEngine, adapter extraction.Adapter, cfg config.CaptureConfig) *Service {
	if cfg.AutoStoreThreshold <= 0 {
		cfg.AutoStoreThreshold = 0.6
	}
	if cfg.SweepConfidenceThreshold <= 0 {
		cfg.SweepConfidenceThreshold = 0.7
	}
	if cfg.DuplicateSimilarity <= 0 {
		cfg.DuplicateSimilarity = 0.92
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 3
	}
	return &Service{
		store:   st,
		clf:     clf,
		engine:  engine,
		adapter: adapter,
		cfg:     cfg,
		queue:   NewQueue(cfg.QueueSize, cfg.Workers),
	}
}

// Close drains the side-effect queue.
func (s *Service) Close() {
	s.queue.Close()
}

// DroppedTasks exposes the side-effect queue's overflow counter.
func (s *Service) DroppedTasks() int64 {
	return s.queue.DroppedTasks()
}

// RememberRequest is one capture attempt. ForceType skips auto-detection;
// an empty ForceType lets the classifier and trigger detector decide.
type RememberRequest struct {
	Text      string
	ForceType string
	PreferLLM bool
	Scope     store.Scope
	Tags      []string
	Priority  int
	Source    string
	Actor     string
}

// RememberResponse reports what happened to the text. Stored=false with a
// Notice means the classifier was not confident enough to auto-store.
type RememberResponse struct {
	Stored       bool    `json:"stored"`
	Kind         string  `json:"kind,omitempty"`
	EntryID      string  `json:"entryId,omitempty"`
	Title        string  `json:"title,omitempty"`
	Confidence   float64 `json:"confidence"`
	Method       string  `json:"method,omitempty"`
	AutoDetected bool    `json:"autoDetected"`
	Notice       string  `json:"notice,omitempty"`
}

// Remember classifies text and stores it into the matching repository.
// When the text carries a high-confidence outcome cue, no forced type, and
// the classifier is not nearly certain of something else, the call is
// redirected to experience capture instead.
func (s *Service) Remember(ctx context.Context, req RememberRequest) (*RememberResponse, error) {
	text := strings.TrimSpace(req.Text)
	if err := validate.RequiredField("text", text, s.store.Limits().ContentMax); err != nil {
		return nil, err
	}

	cls, err := s.clf.Classify(ctx, text, classify.Options{
		ForceType: req.ForceType,
		PreferLLM: req.PreferLLM,
	})
	if err != nil {
		return nil, err
	}

	if req.ForceType == "" && cls.Confidence < redirectConfidenceCeiling && trigger.HighConfidence(text) {
		if parsed := trigger.Parse(text); parsed != nil {
			return s.storeTriggered(parsed, req)
		}
	}

	if cls.Method != classify.MethodForced && cls.Confidence < s.cfg.AutoStoreThreshold {
		logging.CaptureDebug("remember rejected: %s at %.2f below threshold %.2f",
			cls.Type, cls.Confidence, s.cfg.AutoStoreThreshold)
		return &RememberResponse{
			Kind:       cls.Type,
			Confidence: cls.Confidence,
			Method:     cls.Method,
			Notice: fmt.Sprintf("classified as %s at %.2f, below the %.2f auto-store threshold; pass an explicit type to store it",
				cls.Type, cls.Confidence, s.cfg.AutoStoreThreshold),
		}, nil
	}

	ref, title, reused, err := s.insert(entrySpec{
		Kind:       cls.Type,
		Title:      deriveTitle(text, s.titleMax(cls.Type)),
		Content:    text,
		Tags:       req.Tags,
		Priority:   req.Priority,
		Source:     req.Source,
		Confidence: cls.Confidence,
		Scope:      req.Scope,
	}, actorOrDefault(req.Actor))
	if err != nil {
		return nil, err
	}

	resp := &RememberResponse{
		Stored:     true,
		Kind:       ref.Kind,
		EntryID:    ref.ID,
		Title:      title,
		Confidence: cls.Confidence,
		Method:     cls.Method,
	}
	if reused {
		logging.Capture("remember matched existing %s %s, skipping duplicate", ref.Kind, ref.ID)
		resp.Notice = "identical entry already stored"
		return resp, nil
	}

	s.queue.Submit("remember-audit", func() {
		logging.Audit().CaptureResult(cls.Method, ref.Kind, cls.Confidence, false)
	})
	logging.Capture("remembered %s %s via %s (%.2f)", ref.Kind, ref.ID, cls.Method, cls.Confidence)
	return resp, nil
}

// storeTriggered handles the experience redirect. The notification is
// queued so a slow audit sink never blocks the caller.
func (s *Service) storeTriggered(p *trigger.Parsed, req RememberRequest) (*RememberResponse, error) {
	hash := store.ContentHash(p.Title, p.Scenario)
	if id, err := s.store.FindByContentHash(store.KindExperience, hash, req.Scope); err == nil && id != "" {
		logging.Capture("trigger redirect matched existing experience %s, skipping duplicate", id)
		return &RememberResponse{
			Stored:       true,
			Kind:         store.KindExperience,
			EntryID:      id,
			Title:        p.Title,
			Confidence:   p.Confidence,
			Method:       MethodTrigger,
			AutoDetected: true,
			Notice:       "identical experience already stored",
		}, nil
	}

	exp := &store.Experience{
		Title:        p.Title,
		Scenario:     p.Scenario,
		Outcome:      p.Outcome,
		Category:     p.Category,
		Confidence:   p.Confidence,
		AutoDetected: true,
		Priority:     req.Priority,
		Scope:        req.Scope,
		Tags:         req.Tags,
	}
	created, err := s.store.CreateExperience(exp, actorOrDefault(req.Actor))
	if err != nil {
		return nil, err
	}

	s.queue.Submit("redirect-notice", func() {
		logging.Audit().CaptureResult(MethodTrigger, store.KindExperience, p.Confidence, true)
		logging.Capture("auto-stored experience %s from %s cue", created.ID, p.Pattern)
	})

	return &RememberResponse{
		Stored:       true,
		Kind:         store.KindExperience,
		EntryID:      created.ID,
		Title:        created.Title,
		Confidence:   p.Confidence,
		Method:       MethodTrigger,
		AutoDetected: true,
		Notice:       fmt.Sprintf("auto-stored as experience (%s cue)", p.Pattern),
	}, nil
}

// entrySpec is the kind-neutral shape both the remember path and the sweep
// build before dispatching to a repository.
type entrySpec struct {
	Kind         string
	Title        string
	Content      string
	Category     string
	Outcome      string
	Tags         []string
	Priority     int
	Source       string
	Confidence   float64
	AutoDetected bool
	Scope        store.Scope
}

// insert stores one entry into the repository matching spec.Kind and
// returns its reference and stored title. A live entry in the same scope
// with the same content hash is returned instead of duplicated; reused
// reports that short-circuit.
func (s *Service) insert(spec entrySpec, actor string) (store.EntryRef, string, bool, error) {
	if id := s.existingByHash(spec); id != "" {
		return store.EntryRef{Kind: spec.Kind, ID: id}, spec.Title, true, nil
	}

	switch spec.Kind {
	case store.KindGuideline:
		g, err := s.store.CreateGuideline(&store.Guideline{
			Name:     spec.Title,
			Content:  spec.Content,
			Category: spec.Category,
			Priority: spec.Priority,
			Scope:    spec.Scope,
			Tags:     spec.Tags,
		}, actor)
		if err != nil {
			return store.EntryRef{}, "", false, err
		}
		return store.EntryRef{Kind: spec.Kind, ID: g.ID}, g.Name, false, nil

	case store.KindKnowledge:
		k, err := s.store.CreateKnowledge(&store.Knowledge{
			Title:      spec.Title,
			Content:    spec.Content,
			Category:   knowledgeCategory(spec.Category),
			Confidence: spec.Confidence,
			Source:     spec.Source,
			Priority:   spec.Priority,
			Scope:      spec.Scope,
			Tags:       spec.Tags,
		}, actor)
		if err != nil {
			return store.EntryRef{}, "", false, err
		}
		return store.EntryRef{Kind: spec.Kind, ID: k.ID}, k.Title, false, nil

	case store.KindTool:
		desc, usage := splitToolText(spec.Content, s.store.Limits().DescriptionMax)
		t, err := s.store.CreateTool(&store.Tool{
			Name:        spec.Title,
			Description: desc,
			Usage:       usage,
			Category:    toolCategory(spec.Category),
			Priority:    spec.Priority,
			Scope:       spec.Scope,
			Tags:        spec.Tags,
		}, actor)
		if err != nil {
			return store.EntryRef{}, "", false, err
		}
		return store.EntryRef{Kind: spec.Kind, ID: t.ID}, t.Name, false, nil

	case store.KindExperience:
		e, err := s.store.CreateExperience(&store.Experience{
			Title:        spec.Title,
			Scenario:     spec.Content,
			Outcome:      spec.Outcome,
			Category:     spec.Category,
			Confidence:   spec.Confidence,
			AutoDetected: spec.AutoDetected,
			Priority:     spec.Priority,
			Scope:        spec.Scope,
			Tags:         spec.Tags,
		}, actor)
		if err != nil {
			return store.EntryRef{}, "", false, err
		}
		return store.EntryRef{Kind: spec.Kind, ID: e.ID}, e.Title, false, nil
	}
	return store.EntryRef{}, "", false, fmt.Errorf("unknown entry kind %q", spec.Kind)
}

// existingByHash probes the target repository for a live same-scope entry
// carrying the content hash spec would be stored under. The hashed fields
// mirror what each repository hashes on write. Probe failures count as
// new; storing a duplicate is cheaper than losing an entry.
func (s *Service) existingByHash(spec entrySpec) string {
	var hash string
	switch spec.Kind {
	case store.KindTool:
		desc, _ := splitToolText(spec.Content, s.store.Limits().DescriptionMax)
		hash = store.ContentHash(spec.Title, desc)
	case store.KindGuideline, store.KindKnowledge, store.KindExperience:
		hash = store.ContentHash(spec.Title, spec.Content)
	default:
		return ""
	}
	id, err := s.store.FindByContentHash(spec.Kind, hash, spec.Scope)
	if err != nil {
		logging.CaptureDebug("content hash probe failed: %v", err)
		return ""
	}
	return id
}

// titleMax returns the title length cap for a kind. Guidelines and tools
// key on name, which is shorter than the title columns.
func (s *Service) titleMax(kind string) int {
	switch kind {
	case store.KindGuideline, store.KindTool:
		return s.store.Limits().NameMax
	default:
		return s.store.Limits().TitleMax
	}
}

// deriveTitle builds an entry title from the opening of free text: the
// first sentence when one ends early enough, otherwise a word-boundary
// clip.
func deriveTitle(text string, max int) string {
	line := text
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.Join(strings.Fields(line), " ")
	if idx := strings.Index(line, ". "); idx > 0 && idx <= max {
		line = line[:idx]
	}
	if len(line) > max {
		clipped := line[:max]
		if idx := strings.LastIndexByte(clipped, ' '); idx > 0 {
			clipped = clipped[:idx]
		}
		line = clipped
	}
	if trimmed := strings.TrimRight(line, ".!?,;: "); trimmed != "" {
		return trimmed
	}
	return line
}

// splitToolText fits free text into the tool shape: a short description
// plus the full text as usage when it does not fit the description cap.
func splitToolText(text string, descMax int) (desc, usage string) {
	if len(text) <= descMax {
		return text, ""
	}
	clipped := text[:descMax]
	if idx := strings.LastIndexByte(clipped, ' '); idx > 0 {
		clipped = clipped[:idx]
	}
	return clipped, text
}

// knowledgeCategory keeps a candidate category only when the knowledge
// table's closed set accepts it; anything else defers to the store default.
func knowledgeCategory(category string) string {
	switch category {
	case "decision", "fact", "context", "reference", "architecture":
		return category
	}
	return ""
}

// toolCategory mirrors knowledgeCategory for the tool category set.
func toolCategory(category string) string {
	switch category {
	case "mcp", "cli", "function", "api":
		return category
	}
	return ""
}

func actorOrDefault(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return defaultActor
	}
	return actor
}
