// Package history persists conversation turns to SQLite so sessions
// survive restarts and later turns can replay prior context into the
// prompt.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chattyhq/chatty/llm"
)

// Message is one recorded turn.
type Message struct {
	ID        uint   `gorm:"primarykey"`
	SessionID string `gorm:"index:idx_session_created,priority:1"`
	Role      string
	Content   string
	CacheHit  bool
	CreatedAt time.Time `gorm:"index:idx_session_created,priority:2"`
}

// Store is the SQLite-backed conversation log.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Record appends one turn to the session log.
func (s *Store) Record(ctx context.Context, sessionID, role, content string, cacheHit bool) error {
	msg := Message{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CacheHit:  cacheHit,
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	return nil
}

// SessionMessages returns the session's turns oldest first, ready to
// splice into a prompt. limit bounds the number of most recent
// messages; zero means all.
func (s *Store) SessionMessages(ctx context.Context, sessionID string, limit int) ([]llm.Message, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Message
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	out := make([]llm.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, llm.Message{
			Role:    llm.Role(rows[i].Role),
			Content: rows[i].Content,
		})
	}
	return out, nil
}

// Purge deletes sessions with no activity since the cutoff and returns
// the number of rows removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("session_id IN (?)",
			s.db.Model(&Message{}).
				Select("session_id").
				Group("session_id").
				Having("MAX(created_at) < ?", olderThan)).
		Delete(&Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
