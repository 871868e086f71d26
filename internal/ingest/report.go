package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"tickvault/internal/domain"
)

// RunReport is the operator-facing summary written after each run.
type RunReport struct {
	RunID         string            `json:"run_id"`
	FinishedAt    time.Time         `json:"finished_at"`
	Total         int               `json:"total"`
	Completed     int               `json:"completed"`
	Failed        int               `json:"failed"`
	Pending       int               `json:"pending"`
	FailedByClass map[string]int    `json:"failed_by_class,omitempty"`
	FailedTasks   []FailedTaskEntry `json:"failed_tasks,omitempty"`
}

// FailedTaskEntry records one failed task for manual review.
type FailedTaskEntry struct {
	Task     string `json:"task"`
	Class    string `json:"class"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// writeReport persists the run summary as .lastrun.json in ReportDir.
func (o *Orchestrator) writeReport(ctx context.Context, stats domain.Stats, byClass map[string]int) error {
	report := RunReport{
		RunID:         o.registry.RunID(),
		FinishedAt:    time.Now().UTC(),
		Total:         stats.Total,
		Completed:     stats.Completed,
		Failed:        stats.Failed,
		Pending:       stats.Pending,
		FailedByClass: byClass,
	}

	failed, err := o.registry.FailedTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range failed {
		report.FailedTasks = append(report.FailedTasks, FailedTaskEntry{
			Task:     t.Key(),
			Class:    t.ErrorClass,
			Error:    t.LastError,
			Attempts: t.Attempts,
		})
	}

	if err := os.MkdirAll(o.opts.ReportDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.opts.ReportDir, ".lastrun.json"), data, 0o644)
}
