// Package report assembles per-clause verdicts into a contract report with
// a stable order. Clause ordering is an explicit sort key (category, then
// clause id), never incidental storage order.
package report

import (
	"sort"
	"time"

	"github.com/lexon/clausecheck/internal/domain"
)

// Builder turns validator output into a ContractReport. The zero value is
// not usable; construct with NewBuilder.
type Builder struct {
	// now is injectable for deterministic timestamps in tests.
	now func() time.Time
}

// NewBuilder creates a Builder using the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Build sorts the verdicts by (category, clause id), computes the overall
// compliance ratio and stamps the report. With an empty clause library the
// ratio is reported as 0 alongside NoBaseline, since satisfied/total is
// undefined over zero clauses.
func (b *Builder) Build(contractID string, verdicts []domain.ClauseVerdict, warnings []string) domain.ContractReport {
	sorted := make([]domain.ClauseVerdict, len(verdicts))
	copy(sorted, verdicts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Category != sorted[j].Category {
			return sorted[i].Category < sorted[j].Category
		}
		return sorted[i].ClauseID < sorted[j].ClauseID
	})

	satisfied := 0
	degraded := false
	for _, v := range sorted {
		if v.Status == domain.StatusSatisfied {
			satisfied++
		}
		if v.Degraded {
			degraded = true
		}
	}

	report := domain.ContractReport{
		ContractID:  contractID,
		Verdicts:    sorted,
		Degraded:    degraded,
		Warnings:    warnings,
		GeneratedAt: b.now().UTC(),
	}
	if len(sorted) == 0 {
		report.NoBaseline = true
		report.OverallComplianceRatio = 0
		return report
	}
	report.OverallComplianceRatio = float64(satisfied) / float64(len(sorted))
	return report
}
