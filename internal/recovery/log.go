package recovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FixRecord is one line in the learned-fix log.
type FixRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	BuildID     string    `json:"build_id"`
	Rule        string    `json:"rule"`
	Kind        FixKind   `json:"kind"`
	Description string    `json:"description"`
	Resolved    bool      `json:"resolved"`
}

// FixLog appends applied-fix outcomes to a JSON-lines file, so recurring
// failures and their fixes can be reviewed across builds.
type FixLog struct {
	path string
	mu   sync.Mutex
}

// OpenFixLog prepares a learned-fix log at path, creating parent
// directories as needed.
func OpenFixLog(path string) (*FixLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create fix log directory: %w", err)
	}
	return &FixLog{path: path}, nil
}

// Record appends one outcome. Failures to write are swallowed: the log is
// advisory and must never fail a build.
func (l *FixLog) Record(buildID string, fix *Fix, resolved bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := FixRecord{
		Timestamp:   time.Now().UTC(),
		BuildID:     buildID,
		Rule:        fix.Rule,
		Kind:        fix.Kind,
		Description: fix.Description,
		Resolved:    resolved,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(line, '\n'))
}

// Records reads back all recorded outcomes.
func (l *FixLog) Records() ([]FixRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fix log: %w", err)
	}
	var records []FixRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec FixRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode fix log entry: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
