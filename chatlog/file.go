// Package chatlog stores viewer history and the bot transcript as flat files:
// one append-only history file per author plus a shared transcript.
package chatlog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatcompanion/chat"
)

// File names inside the data directory.
const (
	UserDir        = "user_data"
	TranscriptFile = "chat_log.txt"
)

// maxHistoryBytes caps how much of a user's history is returned.
const maxHistoryBytes = 8 << 10

// FileLog is a file-backed chat log. It is safe for concurrent use.
type FileLog struct {
	dir string
	now func() time.Time

	mu         sync.Mutex
	transcript *os.File
}

// Open creates dir if needed and opens the transcript for appending.
func Open(dir string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Join(dir, UserDir), 0o755); err != nil {
		return nil, fmt.Errorf("create chat log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, TranscriptFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	return &FileLog{dir: dir, now: time.Now, transcript: f}, nil
}

// Close closes the transcript.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transcript.Close()
}

func (l *FileLog) userPath(author string) string {
	return filepath.Join(l.dir, UserDir, safeName(author)+"_history.txt")
}

// AppendUser appends "<time>: <message>" to the author's history and the
// event's log line to the transcript.
func (l *FileLog) AppendUser(ctx context.Context, ev chat.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.userPath(ev.Author), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open user history: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%s: %s\n", l.now().Format(chat.StampLayout), ev.Message)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		return fmt.Errorf("write user history: %w", err)
	}
	if _, err := l.transcript.WriteString(ev.LogLine() + "\n"); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// UserHistory returns the author's history file, or "" if there is none. Only
// the most recent part is returned for very long histories.
func (l *FileLog) UserHistory(ctx context.Context, author string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := os.ReadFile(l.userPath(author))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read user history: %w", err)
	}
	if len(data) > maxHistoryBytes {
		data = data[len(data)-maxHistoryBytes:]
		if i := strings.IndexByte(string(data), '\n'); i >= 0 {
			data = data[i+1:]
		}
	}
	return string(data), nil
}

// AppendTranscript appends one line to the transcript.
func (l *FileLog) AppendTranscript(ctx context.Context, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.transcript.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// safeName makes author usable as a file name component.
func safeName(author string) string {
	if author == "" {
		return "_"
	}
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_", "\x00", "_")
	return r.Replace(author)
}
