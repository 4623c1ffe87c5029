package conductor

import "time"

type (
	// CommandResult is the sole artifact dispatch hands back to callers.
	// Success is false exactly when Err is set
	CommandResult struct {
		Success         bool
		Entity          Entity
		ReturnValue     any
		Err             *Error
		SignalsUpdated  []string
		Fragments       []any
		EventsPublished int
		CommandID       string
		ExecutionTime   time.Duration
	}

	// BatchResult aggregates the results of a command batch. For an atomic
	// batch, Results covers only the commands that were attempted
	BatchResult struct {
		Results  []*CommandResult
		Success  bool
		Atomic   bool
		Err      *Error
		Duration time.Duration
	}
)

func succeededResult(cmd *CommandContext) *CommandResult {
	return &CommandResult{
		Success:   true,
		CommandID: cmd.CommandID,
	}
}

func failedResult(cmd *CommandContext, err error) *CommandResult {
	return &CommandResult{
		CommandID: cmd.CommandID,
		Err:       resultError(err),
	}
}

// SuccessRate reports the fraction of attempted commands that succeeded
func (b *BatchResult) SuccessRate() float64 {
	if len(b.Results) == 0 {
		return 0
	}
	var ok int
	for _, res := range b.Results {
		if res.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(b.Results))
}

// Failures returns the individual failed results in attempt order
func (b *BatchResult) Failures() []*CommandResult {
	var failed []*CommandResult
	for _, res := range b.Results {
		if !res.Success {
			failed = append(failed, res)
		}
	}
	return failed
}
