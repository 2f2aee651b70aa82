// Package journal keeps the append-only record of executed tool
// operations and supports undoing reversible file changes.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/config"
	"github.com/frumu-ai/tandem/internal/common/logger"
	"github.com/frumu-ai/tandem/internal/events"
	"github.com/frumu-ai/tandem/internal/events/bus"
)

var (
	// ErrNotReversible is returned when undo is requested for an entry
	// that cannot be rolled back, such as an executed command.
	ErrNotReversible = errors.New("operation is not reversible")

	ErrEntryNotFound = errors.New("journal entry not found")
	ErrAlreadyUndone = errors.New("operation already undone")
)

// Prior captures the file state before a mutating operation so the
// operation can be undone.
type Prior struct {
	Existed bool        `json:"existed"`
	Content []byte      `json:"-"`
	Mode    os.FileMode `json:"-"`
}

// Entry is one executed operation. Entries are append-only; undo marks
// the entry rather than removing it.
type Entry struct {
	OperationID   string `json:"operationId"`
	SessionID     string `json:"sessionId,omitempty"`
	RunID         string `json:"runId,omitempty"`
	Kind          string `json:"kind"`
	Path          string `json:"path,omitempty"`
	ResultSummary string `json:"resultSummary"`
	OK            bool   `json:"ok"`
	Reversible    bool   `json:"reversible"`
	ExecutedAtMs  int64  `json:"executedAtMs"`
	UndoneAtMs    int64  `json:"undoneAtMs,omitempty"`

	Prior *Prior `json:"-"`
}

// RecordedEvent is the payload published on journal.recorded.
type RecordedEvent struct {
	OperationID string `json:"operationId"`
	Kind        string `json:"kind"`
	Summary     string `json:"summary"`
	OK          bool   `json:"ok"`
}

// UndoneEvent is the payload published on journal.undone.
type UndoneEvent struct {
	OperationID string `json:"operationId"`
	Path        string `json:"path,omitempty"`
}

// Journal is the in-memory execution journal.
type Journal struct {
	cfg    config.JournalConfig
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.Mutex
	entries []*Entry

	now func() time.Time
}

// New creates a journal.
func New(cfg config.JournalConfig, eventBus bus.EventBus, log *logger.Logger) *Journal {
	return &Journal{
		cfg:    cfg,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "journal")),
		now:    time.Now,
	}
}

// Record appends an entry and prunes old ones per the retention
// configuration.
func (j *Journal) Record(ctx context.Context, entry *Entry) {
	if entry.ExecutedAtMs == 0 {
		entry.ExecutedAtMs = j.now().UTC().UnixMilli()
	}

	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.prune()
	j.mu.Unlock()

	j.logger.Debug("operation recorded",
		zap.String("operation_id", entry.OperationID),
		zap.String("kind", entry.Kind),
		zap.Bool("ok", entry.OK))
	j.publish(ctx, events.NewEnvelope(events.JournalRecorded, entry.SessionID, entry.RunID, RecordedEvent{
		OperationID: entry.OperationID,
		Kind:        entry.Kind,
		Summary:     entry.ResultSummary,
		OK:          entry.OK,
	}))
}

// Undo restores the file state captured before the operation ran:
// prior content is written back, a file that did not exist is removed.
// Command entries carry no prior state and return ErrNotReversible.
func (j *Journal) Undo(ctx context.Context, operationID string) error {
	j.mu.Lock()
	var entry *Entry
	for _, e := range j.entries {
		if e.OperationID == operationID {
			entry = e
			break
		}
	}
	j.mu.Unlock()

	if entry == nil {
		return ErrEntryNotFound
	}
	if !entry.Reversible || entry.Prior == nil {
		return fmt.Errorf("%w: %s", ErrNotReversible, entry.Kind)
	}
	if entry.UndoneAtMs != 0 {
		return ErrAlreadyUndone
	}

	if entry.Prior.Existed {
		if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
		mode := entry.Prior.Mode
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(entry.Path, entry.Prior.Content, mode); err != nil {
			return fmt.Errorf("restore %s: %w", entry.Path, err)
		}
		// WriteFile only applies the mode on create, the file usually
		// still exists here.
		if err := os.Chmod(entry.Path, mode); err != nil {
			return fmt.Errorf("restore mode %s: %w", entry.Path, err)
		}
	} else {
		if err := os.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", entry.Path, err)
		}
	}

	j.mu.Lock()
	entry.UndoneAtMs = j.now().UTC().UnixMilli()
	j.mu.Unlock()

	j.logger.Info("operation undone",
		zap.String("operation_id", operationID),
		zap.String("path", entry.Path))
	j.publish(ctx, events.NewEnvelope(events.JournalUndone, entry.SessionID, entry.RunID, UndoneEvent{
		OperationID: operationID,
		Path:        entry.Path,
	}))
	return nil
}

// Get returns the entry for an operation ID.
func (j *Journal) Get(operationID string) (*Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.entries {
		if e.OperationID == operationID {
			copied := *e
			return &copied, true
		}
	}
	return nil, false
}

// List returns all entries, oldest first.
func (j *Journal) List() []*Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := make([]*Entry, 0, len(j.entries))
	for _, e := range j.entries {
		copied := *e
		result = append(result, &copied)
	}
	return result
}

// prune drops entries beyond the retention limits. A reversible entry
// whose undo has not been attempted is always kept: dropping it would
// silently destroy the user's ability to roll the change back.
// Caller must hold j.mu.
func (j *Journal) prune() {
	removable := func(e *Entry) bool {
		return !e.Reversible || e.UndoneAtMs != 0
	}

	if maxAge := j.cfg.MaxAgeDuration(); maxAge > 0 {
		cutoff := j.now().UTC().Add(-maxAge).UnixMilli()
		kept := j.entries[:0]
		for _, e := range j.entries {
			if e.ExecutedAtMs < cutoff && removable(e) {
				continue
			}
			kept = append(kept, e)
		}
		j.entries = kept
	}

	if j.cfg.MaxEntries > 0 {
		excess := len(j.entries) - j.cfg.MaxEntries
		if excess > 0 {
			kept := make([]*Entry, 0, len(j.entries))
			for _, e := range j.entries {
				if excess > 0 && removable(e) {
					excess--
					continue
				}
				kept = append(kept, e)
			}
			j.entries = kept
		}
	}
}

func (j *Journal) publish(ctx context.Context, env *events.Envelope) {
	if j.bus == nil {
		return
	}
	if err := j.bus.Publish(ctx, env); err != nil {
		j.logger.Debug("failed to publish journal event", zap.Error(err))
	}
}
