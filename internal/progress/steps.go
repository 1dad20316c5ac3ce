package progress

import (
	"time"

	"github.com/pavelanni/readiness/internal/model"
)

// DefaultStepDurations are the expected durations of the four steps, used to
// estimate progress when the server sends no per-step snapshot.
var DefaultStepDurations = []time.Duration{
	5 * time.Second,
	45 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// heuristicCap is the highest progress an estimated step can reach.
const heuristicCap = 95

// merge raises local to remote. Status and progress never move backwards.
func merge(local *model.Step, status model.StepStatus, progress int) bool {
	changed := false
	if status.Rank() > local.Status.Rank() {
		local.Status = status
		changed = true
	}
	if local.Status == model.StepCompleted {
		progress = 100
	}
	progress = min(max(progress, 0), 100)
	if progress > local.Progress {
		local.Progress = progress
		changed = true
	}
	return changed
}

// markConnected moves the first step to in-progress.
func markConnected(snap *model.ProgressSnapshot) bool {
	if len(snap.Steps) == 0 {
		return false
	}
	return merge(&snap.Steps[0], model.StepInProgress, 0)
}

// applySteps overwrites local steps with an authoritative server snapshot.
func applySteps(snap *model.ProgressSnapshot, steps []model.Step) bool {
	changed := false
	for _, remote := range steps {
		for i := range snap.Steps {
			if snap.Steps[i].ID == remote.ID {
				if merge(&snap.Steps[i], remote.Status, remote.Progress) {
					changed = true
				}
			}
		}
	}
	return changed
}

// estimateSteps derives step states from elapsed time. Steps whose expected
// window has passed are completed, except the last one; the running step is
// capped below completion.
func estimateSteps(elapsed time.Duration, durations []time.Duration) []model.Step {
	steps := make([]model.Step, len(model.StepIDs))
	var start time.Duration
	last := len(model.StepIDs) - 1
	for i, id := range model.StepIDs {
		d := DefaultStepDurations[i]
		if i < len(durations) && durations[i] > 0 {
			d = durations[i]
		}
		end := start + d
		steps[i] = model.Step{ID: id, Status: model.StepPending}
		switch {
		case elapsed >= end && i < last:
			steps[i].Status = model.StepCompleted
			steps[i].Progress = 100
		case elapsed >= start:
			steps[i].Status = model.StepInProgress
			steps[i].Progress = min(int(100*(elapsed-start)/d), heuristicCap)
		}
		start = end
	}
	return steps
}

// forceComplete marks every step completed.
func forceComplete(snap *model.ProgressSnapshot) {
	for i := range snap.Steps {
		snap.Steps[i].Status = model.StepCompleted
		snap.Steps[i].Progress = 100
	}
}
