package config

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// ChangeRecord captures one configuration mutation for audit purposes.
type ChangeRecord struct {
	ID        uuid.UUID `json:"id"`
	Path      string    `json:"path"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
	Reason    string    `json:"reason"`
	ChangedAt time.Time `json:"changed_at"`
}

// Change is delivered to subscribers when a watched path mutates.
type Change struct {
	Path     string
	OldValue any
	NewValue any
}

// Versioned wraps a Config with a monotonically increasing version,
// an append-only change log, and per-path change subscriptions.
type Versioned struct {
	mu          sync.RWMutex
	current     *Config
	version     int64
	lastUpdated time.Time
	changes     []ChangeRecord
	subscribers map[string][]chan Change
}

// NewVersioned wraps an already loaded configuration at version 1.
func NewVersioned(cfg *Config) *Versioned {
	return &Versioned{
		current:     cfg,
		version:     1,
		lastUpdated: time.Now().UTC(),
		subscribers: make(map[string][]chan Change),
	}
}

// Current returns the live configuration. Callers must treat it as
// read-only; mutations go through Update.
func (v *Versioned) Current() *Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Version reports the current config version.
func (v *Versioned) Version() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// LastUpdated reports when the config last changed.
func (v *Versioned) LastUpdated() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastUpdated
}

// Update mutates one dotted path, appends a change record, bumps the
// version, and notifies subscribers of the path and its ancestors.
func (v *Versioned) Update(path string, value any, changedBy, reason string) error {
	if path == "" {
		return errors.NewConfigurationError("update path is required")
	}
	if changedBy == "" {
		return errors.NewConfigurationError("update requires changed_by")
	}

	v.mu.Lock()
	old, err := v.current.set(path, value)
	if err != nil {
		v.mu.Unlock()
		return err
	}

	v.version++
	v.lastUpdated = time.Now().UTC()
	v.changes = append(v.changes, ChangeRecord{
		ID:        uuid.New(),
		Path:      path,
		OldValue:  old,
		NewValue:  value,
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: v.lastUpdated,
	})
	subs := v.matching(path)
	v.mu.Unlock()

	change := Change{Path: path, OldValue: old, NewValue: value}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Slow subscriber; skip rather than block the update.
		}
	}
	return nil
}

// Replace swaps the whole configuration, as the hot-reload watcher does
// when the backing file changes on disk. Subscribers of every path are
// notified with the old and new trees.
func (v *Versioned) Replace(cfg *Config, changedBy, reason string) {
	v.mu.Lock()
	old := v.current
	v.current = cfg
	v.version++
	v.lastUpdated = time.Now().UTC()
	v.changes = append(v.changes, ChangeRecord{
		ID:        uuid.New(),
		Path:      "*",
		ChangedBy: changedBy,
		Reason:    reason,
		ChangedAt: v.lastUpdated,
	})

	var subs []chan Change
	for _, chans := range v.subscribers {
		subs = append(subs, chans...)
	}
	v.mu.Unlock()

	change := Change{Path: "*", OldValue: old, NewValue: cfg}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribe registers interest in a dotted path prefix. A subscription
// to "queue" fires for "queue.retry.max_attempts"; "*" fires for
// everything. The returned cancel func must be called when done.
func (v *Versioned) Subscribe(path string) (<-chan Change, func()) {
	ch := make(chan Change, 8)

	v.mu.Lock()
	v.subscribers[path] = append(v.subscribers[path], ch)
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		chans := v.subscribers[path]
		for i, c := range chans {
			if c == ch {
				v.subscribers[path] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// History returns a copy of the change log, oldest first.
func (v *Versioned) History() []ChangeRecord {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]ChangeRecord, len(v.changes))
	copy(out, v.changes)
	return out
}

// matching collects subscriber channels whose path is a prefix of the
// mutated path. Caller holds at least a read lock.
func (v *Versioned) matching(path string) []chan Change {
	var subs []chan Change
	for prefix, chans := range v.subscribers {
		if prefix == "*" || prefix == path || strings.HasPrefix(path, prefix+".") {
			subs = append(subs, chans...)
		}
	}
	return subs
}

// set applies a dotted-path mutation to the known dynamic settings and
// returns the previous value. Only settings that are safe to change at
// runtime are addressable; anything else is a configuration error.
func (c *Config) set(path string, value any) (any, error) {
	switch path {
	case "log_level":
		s, ok := value.(string)
		if !ok {
			return nil, errors.NewConfigurationError("log_level must be a string")
		}
		old := c.LogLevel
		c.LogLevel = s
		return old, nil

	case "queue.retry.max_attempts":
		n, ok := asInt(value)
		if !ok || n < 1 {
			return nil, errors.NewConfigurationError("queue.retry.max_attempts must be a positive integer")
		}
		old := c.Queue.Retry.MaxAttempts
		c.Queue.Retry.MaxAttempts = n
		return old, nil

	case "queue.processor.workers":
		n, ok := asInt(value)
		if !ok || n < 1 {
			return nil, errors.NewConfigurationError("queue.processor.workers must be a positive integer")
		}
		old := c.Queue.Processor.Workers
		c.Queue.Processor.Workers = n
		return old, nil

	case "partition.retention_months":
		n, ok := asInt(value)
		if !ok || n < 0 {
			return nil, errors.NewConfigurationError("partition.retention_months must be >= 0")
		}
		old := c.Partition.RetentionMonths
		c.Partition.RetentionMonths = n
		return old, nil

	case "monitor.alerts.dedupe_window":
		d, ok := asDuration(value)
		if !ok || d <= 0 {
			return nil, errors.NewConfigurationError("monitor.alerts.dedupe_window must be a positive duration")
		}
		old := c.Monitor.Alerts.DedupeWindow
		c.Monitor.Alerts.DedupeWindow = d
		return old, nil

	default:
		return nil, errors.NewConfigurationError("path " + path + " is not updatable at runtime")
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asDuration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, err == nil
	}
	return 0, false
}
