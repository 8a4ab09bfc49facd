package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetAgentSession returns the stored handle, or "" when none exists.
func (s *Store) GetAgentSession(ctx context.Context, conversationID string, kind CommandKind) (string, error) {
	var handle string
	err := s.db.QueryRowContext(ctx, `
		SELECT handle FROM agent_sessions WHERE conversation_id = ? AND agent_kind = ?;
	`, conversationID, kind).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get agent session: %w", err)
	}
	return handle, nil
}

func (s *Store) UpsertAgentSession(ctx context.Context, conversationID string, kind CommandKind, handle string) error {
	if handle == "" {
		return nil
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agent_sessions (conversation_id, agent_kind, handle, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(conversation_id, agent_kind) DO UPDATE SET handle = excluded.handle, updated_at = CURRENT_TIMESTAMP;
		`, conversationID, kind, handle)
		if err != nil {
			return fmt.Errorf("upsert agent session: %w", err)
		}
		return nil
	})
}

// GetThreadContext returns the accumulated context, or "" when none exists.
func (s *Store) GetThreadContext(ctx context.Context, conversationID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM thread_context WHERE conversation_id = ?;`, conversationID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get thread context: %w", err)
	}
	return content, nil
}

// AppendThreadContext appends entry after a blank line and keeps only the
// newest maxChars characters, in one transaction.
func (s *Store) AppendThreadContext(ctx context.Context, conversationID, entry string, maxChars int) (string, error) {
	if entry == "" {
		return s.GetThreadContext(ctx, conversationID)
	}
	var merged string
	err := s.withTx(ctx, "append thread context", func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT content FROM thread_context WHERE conversation_id = ?;`, conversationID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read thread context: %w", err)
		}
		merged = entry
		if existing != "" {
			merged = existing + "\n\n" + entry
		}
		merged = keepTail(merged, maxChars)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_context (conversation_id, content, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(conversation_id) DO UPDATE SET content = excluded.content, updated_at = CURRENT_TIMESTAMP;
		`, conversationID, merged); err != nil {
			return fmt.Errorf("write thread context: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return merged, nil
}

// keepTail drops the oldest characters so at most max runes remain.
func keepTail(s string, max int) string {
	if max <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[len(r)-max:])
}
