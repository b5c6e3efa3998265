package versionmgr

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/carbocation/pfx"
	"go.uber.org/zap"
)

// Audit outcomes.
const (
	OutcomeStarted    = "started"
	OutcomeActivated  = "activated"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
	OutcomeRecovered  = "recovered"
	OutcomePruned     = "pruned"
)

type AuditRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	FromVersion string    `json:"from_version"`
	ToVersion   string    `json:"to_version"`
	Outcome     string    `json:"outcome"`
	Actor       string    `json:"actor"`
	Detail      string    `json:"detail,omitempty"`
}

// auditLog appends one JSON line per record. Records are never rewritten.
type auditLog struct {
	path string
	mu   sync.Mutex
}

func (a *auditLog) append(rec AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return pfx.Err(err)
	}

	if _, err := f.Write(b); err != nil {
		f.Close()
		return pfx.Err(err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return pfx.Err(err)
	}

	if err := f.Close(); err != nil {
		return pfx.Err(err)
	}
	return nil
}

func (a *auditLog) read() ([]AuditRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	var out []AuditRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec AuditRecord
		// A torn final line from a crash mid-write is skipped
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}

	if err := sc.Err(); err != nil {
		return out, pfx.Err(err)
	}
	return out, nil
}

// AuditLog returns every audit record, oldest first.
func (m *Manager) AuditLog() ([]AuditRecord, error) {
	return m.audit.read()
}

// record appends to the audit log. A failure to audit is logged but does not
// undo the transition it describes.
func (m *Manager) record(from, to, outcome, detail string) {
	rec := AuditRecord{
		Timestamp:   m.cfg.Now().UTC(),
		FromVersion: from,
		ToVersion:   to,
		Outcome:     outcome,
		Actor:       m.cfg.Actor,
		Detail:      detail,
	}

	if err := m.audit.append(rec); err != nil {
		m.log.Error("Could not append audit record", zap.String("outcome", outcome), zap.Error(err))
	}
	m.cfg.Metrics.outcome(outcome)
}
