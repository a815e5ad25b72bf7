package observability

import (
	"bufio"
	"os"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// ErrorLogRecord is one line of the append-only error log.
type ErrorLogRecord struct {
	Time          time.Time `json:"time"`
	RequestID     string    `json:"request_id,omitempty"`
	ModelID       string    `json:"model_id,omitempty"`
	Kind          string    `json:"kind"`
	Message       string    `json:"message"`
	Retry         bool      `json:"retry"`
	FallbackDepth int       `json:"fallback_depth"`
}

// ErrorLogWriter appends one redacted JSON object per line to a file. It
// never fails the caller's request path: write errors are swallowed after
// being reported through the logger, since the error log is a best-effort
// diagnostic aid, not part of the request's correctness contract.
type ErrorLogWriter struct {
	mu       sync.Mutex
	file     *os.File
	redactor *Redactor
	logger   *Logger
}

// NewErrorLogWriter opens (creating if needed) the file at path for append.
func NewErrorLogWriter(path string, redactor *Redactor, logger *Logger) (*ErrorLogWriter, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &ErrorLogWriter{file: f, redactor: redactor, logger: logger}, nil
}

// Write appends a record. Safe for concurrent use.
func (w *ErrorLogWriter) Write(rec ErrorLogRecord) {
	if w.redactor != nil {
		rec.Message = w.redactor.Redact(rec.Message)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("error log marshal failed", "error", err)
		}
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Write(line); err != nil && w.logger != nil {
		w.logger.Warn("error log write failed", "error", err)
	}
}

// Close closes the underlying file.
func (w *ErrorLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadErrorLog reads back all well-formed records from path, skipping any
// trailing partially-written or corrupt line instead of failing the read.
func ReadErrorLog(path string) ([]ErrorLogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []ErrorLogRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ErrorLogRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}
