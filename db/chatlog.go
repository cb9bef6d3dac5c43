package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/chatcompanion/chat"
)

// HistoryLimit bounds how many past messages UserHistory returns.
const HistoryLimit = 50

// AppendUser stores one viewer message.
func (s *Store) AppendUser(ctx context.Context, ev chat.Event) error {
	sentAt := ev.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, s.rebind(
		`INSERT INTO chat_messages(platform, author, message, kind, sent_at) VALUES($1,$2,$3,$4,$5)`),
		ev.Platform, ev.Author, ev.Message, ev.Kind.String(), sentAt.UTC())
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// UserHistory returns the author's most recent messages, oldest first, one
// "timestamp: message" line each.
func (s *Store) UserHistory(ctx context.Context, author string) (string, error) {
	rows, err := s.DB.QueryContext(ctx, s.rebind(
		`SELECT sent_at, message FROM chat_messages WHERE author=$1 ORDER BY id DESC LIMIT $2`), author, HistoryLimit)
	if err != nil {
		return "", fmt.Errorf("query user history: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var at time.Time
		var msg string
		if err := rows.Scan(&at, &msg); err != nil {
			return "", err
		}
		lines = append(lines, at.Local().Format(chat.StampLayout)+": "+msg+"\n")
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	var b strings.Builder
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteString(lines[i])
	}
	return b.String(), nil
}

// AppendTranscript stores one bot line.
func (s *Store) AppendTranscript(ctx context.Context, line string) error {
	if _, err := s.DB.ExecContext(ctx, s.rebind(`INSERT INTO bot_utterances(line) VALUES($1)`), line); err != nil {
		return fmt.Errorf("insert transcript line: %w", err)
	}
	return nil
}

// PruneBefore deletes chat messages and transcript lines older than cutoff and
// returns how many rows were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM chat_messages WHERE sent_at < $1`,
		`DELETE FROM bot_utterances WHERE created_at < $1`,
	} {
		res, err := s.DB.ExecContext(ctx, s.rebind(q), cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
