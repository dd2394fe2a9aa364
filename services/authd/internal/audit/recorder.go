// Package audit records security relevant events and reads them back.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"stockgate/pkg/db"
	"stockgate/services/authd/internal/metrics"
	"stockgate/services/authd/internal/models"
)

const (
	ActionLoginSuccess = "LOGIN_SUCCESS"
	ActionLogout       = "LOGOUT"
	ActionUserCreated  = "USER_CREATED"
	ActionUserUpdated  = "USER_UPDATED"
	ActionUserDeleted  = "USER_DELETED"

	TargetUser = "USER"

	// SubjectPrefix prefixes the bus subject of every published entry.
	SubjectPrefix = "stockgate.audit."

	defaultBuffer = 256
)

// Entry describes an event to record.
type Entry struct {
	ActorID    *uuid.UUID
	TargetType string
	TargetID   string
	Action     string
	Summary    string
	Metadata   map[string]any
	Snapshot   map[string]any
}

// Publisher fans persisted entries out to other consumers. id is the entry id
// and lets the broker drop duplicate publishes.
type Publisher interface {
	Publish(ctx context.Context, subject, id string, v any) error
}

// Options configures a Recorder.
type Options struct {
	Buffer    int
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Recorder appends audit entries from a single background worker. Record never
// blocks: when the buffer is full the entry is dropped and counted. Write and
// publish failures are logged and never reach the caller.
type Recorder struct {
	db     *gorm.DB
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan models.AuditLog
	done   chan struct{}
}

func NewRecorder(database *gorm.DB, opts Options) *Recorder {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	r := &Recorder{
		db:     database,
		pub:    opts.Publisher,
		logger: opts.Logger.With().Str("component", "audit").Logger(),
		now:    opts.Now,
		queue:  make(chan models.AuditLog, opts.Buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues e for writing.
func (r *Recorder) Record(_ context.Context, e Entry) {
	entry, err := r.toModel(e)
	if err != nil {
		metrics.AuditEvents.WithLabelValues("failed").Inc()
		r.logger.Error().Err(err).Str("action", e.Action).Msg("encode audit entry")
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		r.logger.Warn().Str("action", e.Action).Msg("audit recorder closed; entry dropped")
		return
	}

	select {
	case r.queue <- entry:
	default:
		metrics.AuditEvents.WithLabelValues("dropped").Inc()
		r.logger.Warn().Str("action", e.Action).Msg("audit buffer full; entry dropped")
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		r.write(entry)
	}
}

func (r *Recorder) write(entry models.AuditLog) {
	ctx, cancel := context.WithTimeout(context.Background(), db.DefaultTimeout)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		metrics.AuditEvents.WithLabelValues("failed").Inc()
		r.logger.Error().Err(err).Str("action", entry.Action).Msg("record audit log")
		return
	}
	metrics.AuditEvents.WithLabelValues("written").Inc()

	if r.pub == nil {
		return
	}
	subject := SubjectPrefix + strings.ToLower(entry.Action)
	if err := r.pub.Publish(ctx, subject, entry.ID.String(), newEvent(entry)); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("publish audit event")
		return
	}
	metrics.AuditEvents.WithLabelValues("published").Inc()
}

func (r *Recorder) toModel(e Entry) (models.AuditLog, error) {
	if e.Action == "" || e.TargetType == "" {
		return models.AuditLog{}, errors.New("audit entry needs an action and a target type")
	}

	entry := models.AuditLog{
		ID:         uuid.New(),
		ActorID:    e.ActorID,
		TargetType: e.TargetType,
		Action:     e.Action,
		CreatedAt:  r.now(),
	}
	if e.TargetID != "" {
		target := e.TargetID
		entry.TargetID = &target
	}
	if e.Summary != "" {
		summary := e.Summary
		entry.Summary = &summary
	}

	var err error
	if entry.Metadata, err = encodeJSON(e.Metadata); err != nil {
		return entry, err
	}
	if entry.Snapshot, err = encodeJSON(e.Snapshot); err != nil {
		return entry, err
	}
	return entry, nil
}

func encodeJSON(v map[string]any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// Event is the bus payload for a persisted entry.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	ActorID    *uuid.UUID      `json:"actorId"`
	TargetType string          `json:"targetType"`
	TargetID   *string         `json:"targetId"`
	Action     string          `json:"action"`
	Summary    *string         `json:"summary"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func newEvent(entry models.AuditLog) Event {
	return Event{
		ID:         entry.ID,
		ActorID:    entry.ActorID,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		Action:     entry.Action,
		Summary:    entry.Summary,
		Metadata:   json.RawMessage(entry.Metadata),
		Snapshot:   json.RawMessage(entry.Snapshot),
		CreatedAt:  entry.CreatedAt,
	}
}
