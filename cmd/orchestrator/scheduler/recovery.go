package scheduler

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/stackbound/agentflow/common/models"
)

const recoveryBatch = 100

// Recover re-enters runs that were in flight when the previous process
// died. PENDING runs are claimed and executed from scratch; RUNNING runs
// rebuild their state from persisted rows and continue. Runs waiting on
// approvals stay suspended until a decision arrives, so they need no
// recovery.
func (s *Scheduler) Recover(ctx context.Context) error {
	pending, err := s.runs.ListByStatus(ctx, models.RunPending, recoveryBatch)
	if err != nil {
		return err
	}
	interrupted, err := s.runs.ListByStatus(ctx, models.RunRunning, recoveryBatch)
	if err != nil {
		return err
	}

	if len(pending)+len(interrupted) == 0 {
		return nil
	}
	s.log.Info("recovering runs", "pending", len(pending), "interrupted", len(interrupted))

	for _, run := range pending {
		runID := run.ID
		go func() {
			err := s.ExecuteRun(ctx, runID)
			if err != nil && !errors.Is(err, models.ErrAlreadyClaimed) {
				s.log.WithRunID(runID.String()).Error("recovery execution failed", "error", err)
			}
		}()
	}

	for _, run := range interrupted {
		runID := run.ID
		go func() {
			// Already RUNNING, so no claim: restore state from the
			// agent_run rows and continue the loop.
			if err := s.redrive(ctx, runID); err != nil {
				s.log.WithRunID(runID.String()).Error("recovery redrive failed", "error", err)
			}
		}()
	}
	return nil
}

// redrive continues an interrupted RUNNING run. Invocation rows orphaned
// by the crash are first finalised as FAILED(Cancelled); state restore
// treats those nodes as never attempted, so they dispatch again.
func (s *Scheduler) redrive(ctx context.Context, runID uuid.UUID) error {
	if err := s.agentRuns.CancelRunning(ctx, runID); err != nil {
		return err
	}
	return s.drive(ctx, runID, false)
}
