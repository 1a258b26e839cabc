package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"opsflow/internal/domain"
	"opsflow/internal/infra/tracer"
)

// RetentionPolicy controls how long audit entries are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // max age of entries; 0 = no limit
	MaxSize int64         // max file size in bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger by appending JSONL to a file.
// It is the persistent record of every dispatch decision the service makes.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
}

// NewFileAuditLogger creates an audit logger that appends to the given path.
// The file is created with 0600 permissions if it does not exist.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path}, nil
}

// SetRetention configures the retention policy for log cleanup.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log writes an audit event as a single JSON line.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.file.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	// Mirror the entry onto the active span, if any.
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}

	return nil
}

// Close flushes and closes the audit log file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention removes old entries based on the configured retention
// policy. It rewrites the log file, keeping only entries that satisfy the
// policy. Safe to call while the logger is active.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (removed int, err error) {
	a.mu.Lock()
	policy := a.retention
	path := a.path
	a.mu.Unlock()

	if policy == nil {
		return 0, nil
	}

	// Size-only policies can skip the rewrite while the file is small.
	if policy.MaxSize > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return 0, fmt.Errorf("stat audit log: %w", err)
		}
		if info.Size() <= policy.MaxSize && policy.MaxAge == 0 {
			return 0, nil
		}
	}

	cutoff := time.Time{}
	if policy.MaxAge > 0 {
		cutoff = time.Now().Add(-policy.MaxAge)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.file.Close(); err != nil {
		return 0, fmt.Errorf("close for retention: %w", err)
	}

	readFile, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open for reading: %w", err)
	}

	var kept [][]byte
	var keptSize int64
	scanner := bufio.NewScanner(readFile)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() {
				if entry.Timestamp.Before(cutoff) {
					removed++
					continue
				}
			}
		}

		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		kept = append(kept, lineCopy)
		keptSize += int64(len(line)) + 1 // +1 for newline
	}
	readFile.Close()

	if err := scanner.Err(); err != nil {
		a.file, _ = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		return 0, fmt.Errorf("scan audit log: %w", err)
	}

	// Still over the size cap after the age sweep: drop oldest entries first.
	if policy.MaxSize > 0 && keptSize > policy.MaxSize {
		for len(kept) > 0 && keptSize > policy.MaxSize {
			keptSize -= int64(len(kept[0])) + 1
			kept = kept[1:]
			removed++
		}
	}

	tmpPath := path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		a.file, _ = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	for _, line := range kept {
		tmpFile.Write(line)
		tmpFile.Write([]byte{'\n'})
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		a.file, _ = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	a.file, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return removed, fmt.Errorf("reopen after retention: %w", err)
	}

	return removed, nil
}

// ParseRetentionMaxSize parses a human-readable size string (e.g. "100MB", "1GB").
func ParseRetentionMaxSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.TrimSpace(s)
	s = strings.ToUpper(s)

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * multiplier, nil
}

// AuditRecorder turns bus events into dispatch trail entries. It subscribes
// to the workflow lifecycle, dispatch, and tool events and writes one audit
// entry per observed action. Write failures are logged and never block the
// publishing side.
type AuditRecorder struct {
	sink   domain.AuditLogger
	logger *slog.Logger
	unsubs []func()
}

// NewAuditRecorder creates a recorder writing to the given sink.
func NewAuditRecorder(sink domain.AuditLogger, logger *slog.Logger) *AuditRecorder {
	return &AuditRecorder{sink: sink, logger: logger}
}

// Start subscribes the recorder to the bus.
func (r *AuditRecorder) Start(bus domain.EventBus) {
	r.unsubs = append(r.unsubs,
		bus.Subscribe(domain.EventWorkflowStarted, r.onStarted),
		bus.Subscribe(domain.EventWorkflowCompleted, r.onTerminal),
		bus.Subscribe(domain.EventWorkflowFailed, r.onTerminal),
		bus.Subscribe(domain.EventDispatchQueued, r.onDispatch),
		bus.Subscribe(domain.EventToolCallCompleted, r.onToolCall),
	)
}

// Stop unsubscribes from the bus. The sink is closed by its owner.
func (r *AuditRecorder) Stop() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

func (r *AuditRecorder) onStarted(ctx context.Context, event domain.Event) {
	var p struct {
		WorkItemID int `json:"work_item_id"`
	}
	_ = json.Unmarshal(event.Payload, &p)

	r.record(ctx, domain.AuditEvent{
		Type:     domain.AuditWorkflowStart,
		Actor:    "sequencer",
		Resource: "run/" + event.RunID,
		Action:   "start",
		Outcome:  "accepted",
		Detail:   map[string]string{"work_item_id": strconv.Itoa(p.WorkItemID)},
	})
}

func (r *AuditRecorder) onTerminal(ctx context.Context, event domain.Event) {
	var p struct {
		Reason        string `json:"reason"`
		PipelineID    int    `json:"pipeline_id"`
		DispatchRunID string `json:"dispatch_run_id"`
	}
	_ = json.Unmarshal(event.Payload, &p)

	entry := domain.AuditEvent{
		Type:     domain.AuditWorkflowOutcome,
		Actor:    "sequencer",
		Resource: "run/" + event.RunID,
	}
	if event.Type == domain.EventWorkflowFailed {
		entry.Outcome = "failed"
		entry.Detail = map[string]string{"reason": p.Reason}
	} else {
		entry.Outcome = "completed"
		entry.Detail = map[string]string{
			"pipeline_id":     strconv.Itoa(p.PipelineID),
			"dispatch_run_id": p.DispatchRunID,
		}
	}
	r.record(ctx, entry)
}

func (r *AuditRecorder) onDispatch(ctx context.Context, event domain.Event) {
	var p struct {
		PipelineID    int    `json:"pipeline_id"`
		DispatchRunID string `json:"dispatch_run_id"`
		RunURL        string `json:"run_url"`
	}
	_ = json.Unmarshal(event.Payload, &p)

	detail := map[string]string{
		"run":             event.RunID,
		"dispatch_run_id": p.DispatchRunID,
	}
	if p.RunURL != "" {
		detail["run_url"] = p.RunURL
	}
	r.record(ctx, domain.AuditEvent{
		Type:     domain.AuditDispatch,
		Actor:    "sequencer",
		Resource: "pipeline/" + strconv.Itoa(p.PipelineID),
		Action:   "queue_run",
		Outcome:  "queued",
		Detail:   detail,
	})
}

func (r *AuditRecorder) onToolCall(ctx context.Context, event domain.Event) {
	var p struct {
		Tool    string `json:"tool"`
		IsError bool   `json:"is_error"`
	}
	_ = json.Unmarshal(event.Payload, &p)

	outcome := "success"
	if p.IsError {
		outcome = "error"
	}
	r.record(ctx, domain.AuditEvent{
		Type:     domain.AuditToolExec,
		Actor:    "mcp",
		Resource: "tool/" + p.Tool,
		Action:   "execute",
		Outcome:  outcome,
	})
}

func (r *AuditRecorder) record(ctx context.Context, event domain.AuditEvent) {
	if err := r.sink.Log(ctx, event); err != nil {
		r.logger.Warn("audit write failed", "type", event.Type, "error", err)
	}
}
