package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"feedoracle/core/events"
	"feedoracle/core/types"
)

const defaultFilePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

var ErrDSNRequired = errors.New("audit: dsn must be configured")

// EventRecord is one committed registry event. Records form a hash chain in
// Seq order: Hash covers the record and the Hash of its predecessor.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Seq        uint64    `gorm:"uniqueIndex;not null" json:"seq"`
	Type       string    `gorm:"index;not null" json:"type"`
	Emitter    string    `gorm:"index" json:"emitter,omitempty"`
	FeedID     *uint32   `gorm:"index" json:"feedId,omitempty"`
	Attributes string    `gorm:"type:text" json:"-"`
	RecordedAt time.Time `gorm:"index" json:"recordedAt"`
	PrevHash   string    `gorm:"size:64" json:"prevHash"`
	Hash       string    `gorm:"size:64;not null" json:"hash"`
}

// Attrs decodes the stored attribute map.
func (r EventRecord) Attrs() map[string]string {
	out := map[string]string{}
	if r.Attributes != "" {
		_ = json.Unmarshal([]byte(r.Attributes), &out)
	}
	return out
}

// MarshalJSON inlines the attribute map.
func (r EventRecord) MarshalJSON() ([]byte, error) {
	type plain EventRecord
	return json.Marshal(struct {
		plain
		Attributes map[string]string `json:"attributes"`
	}{plain: plain(r), Attributes: r.Attrs()})
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Type    string
	Emitter string
	FeedID  *uint32
	Limit   int
}

// Store persists committed events.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	head chainHead
}

// Open connects to Postgres when dsn is a postgres:// URL and to SQLite
// otherwise. Bare paths are turned into file DSNs.
func Open(dsn string, log *slog.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(trimmed, "postgres://"), strings.HasPrefix(trimmed, "postgresql://"):
		dialector = postgres.Open(trimmed)
	case strings.HasPrefix(trimmed, "file:"):
		dialector = sqlite.Open(trimmed)
	default:
		abs, err := filepath.Abs(trimmed)
		if err != nil {
			return nil, fmt.Errorf("resolve audit path: %w", err)
		}
		dialector = sqlite.Open(fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return New(db, log)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, log *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("audit: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	s := &Store{db: db, now: time.Now, logger: log}
	if err := s.loadHead(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record appends evt to the chain.
func (s *Store) Record(ctx context.Context, evt *types.Event) (*EventRecord, error) {
	if evt == nil || evt.Type == "" {
		return nil, errors.New("audit: event type required")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return nil, err
	}
	rec := &EventRecord{
		ID:         uuid.New(),
		Type:       evt.Type,
		Emitter:    emitterOf(evt.Attributes),
		Attributes: string(attrs),
	}
	if raw, ok := evt.Attributes["feedId"]; ok {
		if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
			feedID := uint32(id)
			rec.FeedID = &feedID
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.RecordedAt = s.now().UTC().Truncate(time.Microsecond)
	s.head.link(rec)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("insert audit event: %w", err)
	}
	s.head = chainHead{seq: rec.Seq, hash: rec.Hash}
	return rec, nil
}

// List returns matching events, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]EventRecord, error) {
	q := s.db.WithContext(ctx).Model(&EventRecord{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Emitter != "" {
		q = q.Where("emitter = ?", strings.ToLower(f.Emitter))
	}
	if f.FeedID != nil {
		q = q.Where("feed_id = ?", *f.FeedID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []EventRecord
	if err := q.Order("seq desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Run records every event received on ch until ctx is done or ch closes.
// Events that are not payloads are skipped.
func (s *Store) Run(ctx context.Context, ch <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			payload, ok := evt.(events.Payload)
			if !ok {
				continue
			}
			if _, err := s.Record(ctx, payload.Event()); err != nil {
				s.logger.Error("audit: record event", "type", evt.EventType(), "error", err)
			}
		}
	}
}

// emitterOf picks the component address the event belongs to.
func emitterOf(attrs map[string]string) string {
	for _, key := range []string{"controller", "node", "oracle", "consumer"} {
		if v, ok := attrs[key]; ok && v != "" {
			return v
		}
	}
	return ""
}
