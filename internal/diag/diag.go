// Package diag reports drift between the record store and the hypervisor.
//
// Drift is never repaired automatically. Findings are emitted to one or more
// reporters: the structured log, a NATS subject, or both.
package diag

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Kind classifies a finding.
type Kind string

const (
	// OrphanDomain is a hypervisor domain with no record.
	OrphanDomain Kind = "orphan-domain"

	// OrphanRecord is a record whose domain is gone.
	OrphanRecord Kind = "orphan-record"

	// NameConflict is a create rejected because only the hypervisor knew the name.
	NameConflict Kind = "name-conflict"
)

// Finding is one observed inconsistency.
type Finding struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	VM         string    `json:"vm"`
	Owner      string    `json:"owner,omitempty"`
	Detail     string    `json:"detail"`
	ObservedAt time.Time `json:"observedAt"`
}

// NewFinding stamps a finding with an ID and the current time.
func NewFinding(kind Kind, vm, owner, detail string) Finding {
	return Finding{
		ID:         uuid.NewString(),
		Kind:       kind,
		VM:         vm,
		Owner:      owner,
		Detail:     detail,
		ObservedAt: time.Now().UTC(),
	}
}

// Reporter receives findings.
type Reporter interface {
	Report(ctx context.Context, f Finding) error
}

// LogReporter writes findings to a zap logger at warn level.
type LogReporter struct {
	log *zap.Logger
}

// NewLogReporter returns a reporter logging to log.
func NewLogReporter(log *zap.Logger) *LogReporter {
	return &LogReporter{log: log}
}

// Report implements Reporter.
func (r *LogReporter) Report(_ context.Context, f Finding) error {
	r.log.Warn("drift detected",
		zap.String("finding_id", f.ID),
		zap.String("kind", string(f.Kind)),
		zap.String("vm", f.VM),
		zap.String("owner", f.Owner),
		zap.String("detail", f.Detail),
	)
	return nil
}

// Multi fans findings out to several reporters.
type Multi []Reporter

// Report implements Reporter. Every reporter is tried; errors are joined.
func (m Multi) Report(ctx context.Context, f Finding) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards findings.
type Nop struct{}

// Report implements Reporter.
func (Nop) Report(context.Context, Finding) error { return nil }
