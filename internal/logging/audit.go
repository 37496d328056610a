package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one kind of audited memory operation.
type AuditEventType string

const (
	// Entry lifecycle -> entry_event
	AuditEntryCreate     AuditEventType = "entry_create"
	AuditEntryUpdate     AuditEventType = "entry_update"
	AuditEntryDeactivate AuditEventType = "entry_deactivate"
	AuditEntryDelete     AuditEventType = "entry_delete"

	// Query pipeline -> query_event
	AuditQueryExecute  AuditEventType = "query_execute"
	AuditQueryCacheHit AuditEventType = "query_cache_hit"
	AuditQueryDegraded AuditEventType = "query_degraded"

	// Capture pipeline -> capture_event
	AuditCaptureRemember AuditEventType = "capture_remember"
	AuditCaptureRedirect AuditEventType = "capture_redirect"
	AuditCaptureSweep    AuditEventType = "capture_sweep"

	// Classification -> classify_event
	AuditClassifyResult   AuditEventType = "classify_result"
	AuditClassifyFeedback AuditEventType = "classify_feedback"

	// LLM API -> llm_call
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Embedding API -> embed_call
	AuditEmbedBatch AuditEventType = "embed_batch"
	AuditEmbedError AuditEventType = "embed_error"

	// File-lock leases -> lock_event
	AuditLockCheckout AuditEventType = "lock_checkout"
	AuditLockRelease  AuditEventType = "lock_release"
	AuditLockReclaim  AuditEventType = "lock_reclaim"

	// Memory coordinator -> coordinator_event
	AuditPressureCheck AuditEventType = "pressure_check"
	AuditEviction      AuditEventType = "eviction"

	// Rate limiting -> ratelimit_event
	AuditRateLimitBlock    AuditEventType = "rate_limit_block"
	AuditRateLimitFailMode AuditEventType = "rate_limit_failmode"

	// Conversations -> conversation_event
	AuditConversationBegin AuditEventType = "conversation_begin"
	AuditConversationEnd   AuditEventType = "conversation_end"

	// Episodes -> episode_event
	AuditEpisodeStart    AuditEventType = "episode_start"
	AuditEpisodeComplete AuditEventType = "episode_complete"
	AuditEpisodeFail     AuditEventType = "episode_fail"
	AuditEpisodeCancel   AuditEventType = "episode_cancel"

	// Consolidation and export -> export_event
	AuditConsolidate AuditEventType = "consolidate"
	AuditExportDPO   AuditEventType = "export_dpo"

	// Error events -> error_event
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one JSONL line in the audit trail.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType `json:"event"`   // Event kind
	Category   string         `json:"cat"`     // Log category
	SessionID  string         `json:"session"` // Session correlation
	RequestID  string         `json:"req"`     // Request correlation
	Scope      string         `json:"scope"`   // Memory scope if applicable
	Target     string         `json:"target"`  // Target of operation (entry id, lock path)
	Action     string         `json:"action"`  // Action being performed
	Success    bool           `json:"success"` // Operation succeeded
	DurationMs int64          `json:"dur_ms"`  // Duration in milliseconds
	Error      string         `json:"error"`   // Error message if failed
	Message    string         `json:"msg"`     // Human-readable message
	Fields     map[string]any `json:"fields"`  // Additional structured fields
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes structured audit events scoped to a session or request.
type AuditLogger struct {
	sessionID string
	requestID string
	category  Category
}

// InitAudit opens the audit trail file. No-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit trail started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit trail file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithRequest creates an audit logger scoped to one tool dispatch.
func AuditWithRequest(requestID string) *AuditLogger {
	return &AuditLogger{requestID: requestID}
}

// AuditWithContext creates a fully-scoped audit logger.
func AuditWithContext(sessionID, requestID string, category Category) *AuditLogger {
	return &AuditLogger{
		sessionID: sessionID,
		requestID: requestID,
		category:  category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}
	if event.RequestID == "" && a.requestID != "" {
		event.RequestID = a.requestID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]any)
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// EntryOp logs an entry lifecycle event.
func (a *AuditLogger) EntryOp(op AuditEventType, kind, id, name, scope string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    id,
		Action:    kind,
		Scope:     scope,
		Success:   true,
		Message:   fmt.Sprintf("%s %s: %s (%s)", op, kind, name, id),
	})
}

// QueryExecuted logs a completed query with its result size and any degraded channels.
func (a *AuditLogger) QueryExecuted(scope string, total int, durationMs int64, degraded []string) {
	eventType := AuditQueryExecute
	fields := map[string]any{"total": total}
	if len(degraded) > 0 {
		eventType = AuditQueryDegraded
		fields["degraded"] = degraded
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Scope:      scope,
		Success:    true,
		DurationMs: durationMs,
		Fields:     fields,
		Message:    fmt.Sprintf("Query: %d results in %dms (scope=%s)", total, durationMs, scope),
	})
}

// CacheHit logs a query served from the result cache.
func (a *AuditLogger) CacheHit(fingerprint string) {
	a.Log(AuditEvent{
		EventType: AuditQueryCacheHit,
		Target:    fingerprint,
		Success:   true,
		Message:   fmt.Sprintf("Query cache hit: %s", fingerprint),
	})
}

// CaptureResult logs the outcome of a remember call.
func (a *AuditLogger) CaptureResult(method, kind string, confidence float64, redirected bool) {
	eventType := AuditCaptureRemember
	if redirected {
		eventType = AuditCaptureRedirect
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Action:    kind,
		Success:   true,
		Fields:    map[string]any{"method": method, "confidence": confidence},
		Message:   fmt.Sprintf("Capture: %s via %s (%.2f)", kind, method, confidence),
	})
}

// SweepResult logs a session-end sweep outcome.
func (a *AuditLogger) SweepResult(conversationID string, created, skipped int, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditCaptureSweep,
		Target:     conversationID,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]any{"created": created, "skipped": skipped},
		Message:    fmt.Sprintf("Sweep %s: created=%d skipped=%d success=%v", conversationID, created, skipped, success),
	})
}

// ClassifyResult logs a classification decision.
func (a *AuditLogger) ClassifyResult(kind, method string, confidence float64) {
	a.Log(AuditEvent{
		EventType: AuditClassifyResult,
		Action:    kind,
		Success:   true,
		Fields:    map[string]any{"method": method, "confidence": confidence},
		Message:   fmt.Sprintf("Classified as %s via %s (%.2f)", kind, method, confidence),
	})
}

// ClassifyFeedback logs a recorded correction.
func (a *AuditLogger) ClassifyFeedback(pattern string, correct bool, multiplier float64) {
	a.Log(AuditEvent{
		EventType: AuditClassifyFeedback,
		Target:    pattern,
		Success:   correct,
		Fields:    map[string]any{"multiplier": multiplier},
		Message:   fmt.Sprintf("Feedback on %s: correct=%v multiplier=%.3f", pattern, correct, multiplier),
	})
}

// LLMCall logs an LLM API call.
func (a *AuditLogger) LLMCall(model string, tokens int, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if !success {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]any{"tokens": tokens},
		Message:    fmt.Sprintf("LLM call: %s -> %d tokens (%dms, success=%v)", model, tokens, durationMs, success),
	})
}

// EmbedBatch logs an embedding batch call.
func (a *AuditLogger) EmbedBatch(model string, count int, durationMs int64, success bool, errMsg string) {
	eventType := AuditEmbedBatch
	if !success {
		eventType = AuditEmbedError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]any{"count": count},
		Message:    fmt.Sprintf("Embed batch: %s x%d (%dms, success=%v)", model, count, durationMs, success),
	})
}

// LockOp logs a file-lock lease operation.
func (a *AuditLogger) LockOp(op AuditEventType, path, owner string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    path,
		Action:    owner,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Lock %s: %s owner=%s success=%v", op, path, owner, success),
	})
}

// Eviction logs a coordinator eviction round for one cache.
func (a *AuditLogger) Eviction(cache string, evicted int, usageBefore, usageAfter float64) {
	a.Log(AuditEvent{
		EventType: AuditEviction,
		Target:    cache,
		Success:   true,
		Fields: map[string]any{
			"evicted":      evicted,
			"usage_before": usageBefore,
			"usage_after":  usageAfter,
		},
		Message: fmt.Sprintf("Evicted %d from %s (%.2f -> %.2f)", evicted, cache, usageBefore, usageAfter),
	})
}

// RateLimitBlock logs a denied request.
func (a *AuditLogger) RateLimitBlock(key string, retryAfterMs int64) {
	a.Log(AuditEvent{
		EventType: AuditRateLimitBlock,
		Target:    key,
		Success:   false,
		Fields:    map[string]any{"retry_after_ms": retryAfterMs},
		Message:   fmt.Sprintf("Rate limited: %s (retry in %dms)", key, retryAfterMs),
	})
}

// FailMode logs a remote limiter fail-mode activation.
func (a *AuditLogger) FailMode(mode string, cause string) {
	a.Log(AuditEvent{
		EventType: AuditRateLimitFailMode,
		Action:    mode,
		Success:   false,
		Error:     cause,
		Message:   fmt.Sprintf("Limiter fail-%s: %s", mode, cause),
	})
}

// EpisodeTransition logs an episode state change.
func (a *AuditLogger) EpisodeTransition(op AuditEventType, episodeID, title string, success bool) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    episodeID,
		Success:   success,
		Message:   fmt.Sprintf("Episode %s: %s (%s)", op, title, episodeID),
	})
}

// ExportResult logs a DPO export outcome.
func (a *AuditLogger) ExportResult(pairs int, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditExportDPO,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields:     map[string]any{"pairs": pairs},
		Message:    fmt.Sprintf("DPO export: %d pairs (%dms, success=%v)", pairs, durationMs, success),
	})
}

// Error logs an error event.
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
