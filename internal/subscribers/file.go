package subscribers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/nfrund/topicbus/internal/broker"
)

// FileLogger appends one line per consumed message to a file.
//
// Lines look like:
//
//	[2026-10-17T09:00:00Z] [orders] [3f6c...]: order-42 created
type FileLogger struct {
	name string
	path string

	mu   sync.Mutex
	file afero.File
}

// NewFileLogger opens path on fs for appending, creating parent
// directories as needed.
func NewFileLogger(name string, fs afero.Fs, path string) (*FileLogger, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := fs.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return &FileLogger{name: name, path: path, file: f}, nil
}

// Consume implements broker.Subscriber.
func (l *FileLogger) Consume(ctx context.Context, msg broker.Message) error {
	topic, _ := broker.TopicFromContext(ctx)
	line := fmt.Sprintf("[%s] [%s] [%s]: %s\n",
		msg.CreatedAt().Format(time.RFC3339Nano), topic, msg.ID(), msg.Content())

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("file logger %s is closed", l.name)
	}
	if _, err := l.file.WriteString(line); err != nil {
		return fmt.Errorf("write %s: %w", l.path, err)
	}
	return nil
}

// Name implements broker.Named.
func (l *FileLogger) Name() string {
	return l.name
}

// Close closes the underlying file. Deliveries after Close fail.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
