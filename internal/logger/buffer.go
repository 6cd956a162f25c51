package logger

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Caller    string                 `json:"caller,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(5000)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// Query filters buffered entries.
type Query struct {
	Limit     int
	Level     string // minimum level
	Component string
	Since     time.Time
}

// Recent returns matching entries, newest first.
func (b *LogBuffer) Recent(q Query) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	minLevel, filterLevel := zerolog.TraceLevel, false
	if q.Level != "" {
		if l, err := zerolog.ParseLevel(strings.ToLower(q.Level)); err == nil {
			minLevel, filterLevel = l, true
		}
	}

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]
		if !q.Since.IsZero() && entry.Timestamp.Before(q.Since) {
			continue
		}
		if q.Component != "" && entry.Component != q.Component {
			continue
		}
		if filterLevel {
			l, err := zerolog.ParseLevel(strings.ToLower(entry.Level))
			if err != nil || l < minLevel {
				continue
			}
		}
		result = append(result, entry)
	}
	return result
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// bufferWriter receives the JSON form of every event, whatever the console
// format, and records it in a LogBuffer.
type bufferWriter struct {
	buffer *LogBuffer
}

func (w bufferWriter) Write(p []byte) (int, error) {
	if entry, ok := parseEvent(p); ok {
		w.buffer.Add(entry)
	}
	return len(p), nil
}

func (w bufferWriter) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return w.Write(p)
}

func parseEvent(p []byte) (LogEntry, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(p, &raw); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{Timestamp: time.Now()}
	take := func(key string) string {
		s, _ := raw[key].(string)
		delete(raw, key)
		return s
	}
	entry.Level = strings.ToUpper(take(zerolog.LevelFieldName))
	entry.Component = take("component")
	entry.Message = take(zerolog.MessageFieldName)
	entry.Caller = take(zerolog.CallerFieldName)
	entry.Error = take(zerolog.ErrorFieldName)
	if ts := take(zerolog.TimestampFieldName); ts != "" {
		if t, err := time.Parse(zerolog.TimeFieldFormat, ts); err == nil {
			entry.Timestamp = t
		}
	}
	if entry.Level == "" && entry.Message == "" {
		return LogEntry{}, false
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, true
}
