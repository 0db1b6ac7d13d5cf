package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileMirror appends every emitted log line to a JSON-lines file so that
// console output survives process restarts. One entry per line.
type FileMirror struct {
	file  *os.File
	mutex sync.Mutex
}

type fileEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// NewFileMirror opens (creating directories as needed) the mirror file in
// append mode.
func NewFileMirror(path string) (*FileMirror, error) {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &FileMirror{file: file}, nil
}

func (m *FileMirror) write(level string, plain []byte) {
	if m == nil {
		return
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()

	entry := fileEntry{
		Timestamp: time.Now().Format(time.RFC3339),
		Level:     level,
		Message:   string(plain),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	m.file.Write(append(data, '\n'))
}

// Close flushes and closes the underlying file.
func (m *FileMirror) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.file.Close()
}
