package engine

import (
	"fmt"
	"time"

	"github.com/flowmill/flowmill/pkg/flow"
	"github.com/flowmill/flowmill/pkg/protocol"
)

// attemptDecision is what the decorator pipeline tells the scheduler to do
// with a finished attempt. The nesting is fixed: retry wraps catch wraps
// timeout wraps the body. Timeout enforcement lives in the executor; the
// catch and retry layers are policy applied here, on the attempt result.
type attemptDecision int

const (
	// decisionSucceeded finalizes the task and propagates its transition.
	decisionSucceeded attemptDecision = iota

	// decisionCaught means catch absorbed the failure: the error envelope
	// becomes the declared artifact and the fallback transition is taken.
	decisionCaught

	// decisionRetry schedules another attempt after a backoff.
	decisionRetry

	// decisionFailed fails the task terminally.
	decisionFailed
)

// pipelineOutcome carries the decision and its parameters.
type pipelineOutcome struct {
	decision attemptDecision

	// backoff delays the next attempt (decisionRetry).
	backoff time.Duration

	// transition is the catch fallback (decisionCaught); nil when the
	// caught step is terminal.
	transition *flow.Transition

	// failure is the terminal task failure (decisionFailed).
	failure *FlowError
}

// pipelineConfig is the engine-level retry tuning the per-step decorators
// fall back to.
type pipelineConfig struct {
	backoffBase time.Duration
	backoffMax  time.Duration
}

// evaluateAttempt applies the decorator pipeline's policy to one finished
// attempt. attempt is the zero-based number of the attempt that just ran.
func evaluateAttempt(node *flow.Node, attempt int, result *protocol.TaskResult, cfg pipelineConfig) pipelineOutcome {
	if result.Outcome == protocol.OutcomeSuccess {
		return pipelineOutcome{decision: decisionSucceeded}
	}

	envelope := result.Error

	// A transition contract violation is a bug in the step body, not a
	// runtime condition: neither catch nor retry applies.
	if envelope != nil && envelope.Kind == protocol.KindTransitionProtocol {
		return pipelineOutcome{
			decision: decisionFailed,
			failure: NewProtocolError(envelope.Message, nil).
				WithStep(node.Name).
				WithRemediation("the step body must call exactly one Next* method exactly once, matching its declared transition"),
		}
	}

	// Catch sits inside retry, so an absorbable failure never reaches the
	// retry layer. Crashes pass through: no structured envelope from the
	// body exists, so catch cannot vouch for the step's state.
	if node.Catch != nil && catchable(result.Outcome) {
		return pipelineOutcome{
			decision:   decisionCaught,
			transition: catchTransition(node),
		}
	}

	if attempt+1 < node.MaxAttempts() {
		return pipelineOutcome{
			decision: decisionRetry,
			backoff:  retryBackoff(node, attempt, cfg),
		}
	}

	return pipelineOutcome{
		decision: decisionFailed,
		failure:  terminalFailure(node, envelope),
	}
}

// catchable reports whether the catch decorator may absorb the outcome.
func catchable(outcome protocol.Outcome) bool {
	return outcome == protocol.OutcomeUserException || outcome == protocol.OutcomeTimedOut
}

// catchTransition is the fallback the catch layer supplies in place of the
// transition the failed body never produced: the declared on-error target if
// any, else the node's default linear target. A terminal step has neither
// and stays terminal.
func catchTransition(node *flow.Node) *flow.Transition {
	target := node.OnError
	if target == "" {
		target = node.DefaultTarget()
	}
	if target == "" {
		return nil
	}
	return &flow.Transition{Kind: flow.TransitionLinear, Targets: []string{target}}
}

// retryBackoff computes the wait before the next attempt: the step's
// declared backoff (or the engine base) doubled per attempt, capped at the
// engine maximum.
func retryBackoff(node *flow.Node, attempt int, cfg pipelineConfig) time.Duration {
	base := cfg.backoffBase
	if node.Retry != nil && node.Retry.Backoff > 0 {
		base = node.Retry.Backoff
	}
	backoff := base << uint(attempt)
	if cfg.backoffMax > 0 && backoff > cfg.backoffMax {
		backoff = cfg.backoffMax
	}
	return backoff
}

// terminalFailure classifies an attempt failure that exhausted its options.
func terminalFailure(node *flow.Node, envelope *protocol.ErrorEnvelope) *FlowError {
	message := "attempt failed"
	if envelope != nil {
		message = envelope.Message
	}

	if node.MaxAttempts() > 1 {
		return NewPermanentError(
			fmt.Sprintf("retries exhausted after %d attempts: %s", node.MaxAttempts(), message),
			nil,
		).WithStep(node.Name).WithCode(ErrCodeRetryExhausted).
			WithRemediation("raise the retry count, extend the timeout, or make the step body tolerate the failure")
	}

	var failure *FlowError
	if envelope != nil && envelope.Kind == protocol.KindCrashed {
		failure = NewTransientError(message, nil).
			WithRemediation("the attempt process died abnormally; attach a retry decorator to tolerate crashes")
	} else {
		failure = NewPermanentError(message, nil).
			WithRemediation("fix the step body, or attach catch to absorb the failure")
	}
	return failure.WithStep(node.Name)
}

// attemptTimeout resolves the wall-clock bound for one attempt: the step's
// declared timeout, else the engine default, else unbounded.
func attemptTimeout(node *flow.Node, defaultTimeout time.Duration) time.Duration {
	if node.Timeout != nil && node.Timeout.Duration > 0 {
		return node.Timeout.Duration
	}
	return defaultTimeout
}
