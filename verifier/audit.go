// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package verifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// auditFilePrefix starts the name of every audit file.  The month the
// verdicts were handed out in follows it.
const auditFilePrefix = "VerifierAudits"

// AuditFileName returns the name of the audit file holding the verdicts of
// the calendar month of t.
func AuditFileName(t time.Time) string {
	return fmt.Sprintf("%s.%s.txt", auditFilePrefix, t.UTC().Format("2006-01"))
}

// auditLine is one verdict waiting to be written.
type auditLine struct {
	at   time.Time
	text string
}

// AuditLog collects one line per verdict and appends them to a file per
// calendar month when flushed.  It is safe for concurrent use.
type AuditLog struct {
	dir string

	mu      sync.Mutex
	pending []auditLine
}

// NewAuditLog creates the audit directory if needed.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	return &AuditLog{dir: dir}, nil
}

// Record queues the audit line of a verdict.
func (a *AuditLog) Record(at time.Time, result VerifyResult, reason Reason,
	details string) {

	text := strings.Join([]string{
		at.UTC().Format(time.RFC3339),
		result.Coin.OutPoint.String(),
		result.Coin.Amount.String(),
		reason.String(),
		fmt.Sprintf("ban=%t", result.ShouldBan),
		fmt.Sprintf("remove=%t", result.ShouldRemove),
		strings.ReplaceAll(details, "\n", " "),
	}, "\t")

	a.mu.Lock()
	a.pending = append(a.pending, auditLine{at: at, text: text})
	a.mu.Unlock()
}

// Flush appends the queued lines to their monthly files.  Lines that could
// not be written stay queued.
func (a *AuditLog) Flush() error {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	byFile := make(map[string][]string)
	var order []string
	for _, line := range pending {
		name := AuditFileName(line.at)
		if _, ok := byFile[name]; !ok {
			order = append(order, name)
		}
		byFile[name] = append(byFile[name], line.text)
	}

	var failed []auditLine
	var firstErr error
	for _, name := range order {
		err := appendLines(filepath.Join(a.dir, name), byFile[name])
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		for _, line := range pending {
			if AuditFileName(line.at) == name {
				failed = append(failed, line)
			}
		}
	}

	if len(failed) > 0 {
		a.mu.Lock()
		a.pending = append(failed, a.pending...)
		a.mu.Unlock()
	}

	return firstErr
}

func appendLines(path string, lines []string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	_, err = f.WriteString(strings.Join(lines, "\n") + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
