package scheduler

import "github.com/msageha/foreman/internal/model"

// nextStatus applies the retry policy to a recorded outcome. attempt is the
// 1-based number of the attempt that produced outcome.
//
//	success                   -> succeeded
//	budget_exceeded           -> dead_lettered
//	failure|timeout, attempt 1 -> failed (retried once)
//	failure|timeout, attempt 2 -> dead_lettered
func nextStatus(attempt int, outcome model.Outcome) model.Status {
	switch outcome {
	case model.OutcomeSuccess:
		return model.StatusSucceeded
	case model.OutcomeBudgetExceeded:
		return model.StatusDeadLettered
	}
	if attempt >= model.MaxAttempts {
		return model.StatusDeadLettered
	}
	return model.StatusFailed
}

// retryable reports whether a failed item may be dispatched again.
func retryable(item *model.WorkItem) bool {
	return item.Status == model.StatusFailed && item.AttemptCount < model.MaxAttempts
}
