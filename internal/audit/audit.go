// Package audit appends capability denials, adaptive decisions, and
// escalations to a JSONL file and the audit_log table. Writes are fail-open:
// losing an audit record is preferable to failing the operation that
// produced it.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-helm/internal/shared"
)

// Categories recorded by the control plane.
const (
	CategoryCapability = "capability"
	CategoryDecision   = "decision"
	CategoryEscalation = "escalation"
	CategoryLeak       = "leak"
)

type entry struct {
	Timestamp     string `json:"timestamp"`
	Category      string `json:"category"`
	Decision      string `json:"decision"`
	Subject       string `json:"subject,omitempty"`
	Reason        string `json:"reason"`
	ConfigVersion string `json:"config_version,omitempty"`
}

// Recorder owns the audit sinks. Construct one in the composition root and
// hand it to the components that need it.
type Recorder struct {
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
}

// NewRecorder opens the audit JSONL file under dataDir/logs. db may be nil
// (tests); then only the file sink is written.
func NewRecorder(dataDir string, db *sql.DB) (*Recorder, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f, db: db}, nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (r *Recorder) DenyCount() int64 {
	return r.denyCount.Load()
}

// Record appends one audit row. Both sinks are fail-open: write errors are
// dropped, never surfaced to the caller.
func (r *Recorder) Record(category, decision, subject, reason, configVersion string) {
	if decision == "deny" {
		r.denyCount.Add(1)
	}

	// Redact secrets before persistence.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		ev := entry{
			Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
			Category:      category,
			Decision:      decision,
			Subject:       subject,
			Reason:        reason,
			ConfigVersion: configVersion,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = r.file.Write(append(b, '\n'))
		}
	}

	if r.db != nil {
		_, _ = r.db.ExecContext(context.Background(), `
			INSERT INTO audit_log (category, decision, subject, reason, config_version)
			VALUES (?, ?, ?, ?, ?);
		`, category, decision, subject, reason, configVersion)
	}
}
