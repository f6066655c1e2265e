// Package saga sequences historical backfills tier by tier.
//
// A run moves NotStarted -> TierInProgress(0) -> ... -> TierInProgress(n-1)
// -> Completed. A tier is drained once its root document and every
// document fanned out beneath it has completed or been dead-lettered; only
// then does the next tier start. There is no failed state: a tier whose
// frontier row cannot be found is retried by the bus, never skipped.
package saga

import (
	"errors"
	"fmt"
	"slices"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
)

// ErrNoTransition means the event does not apply to the current state.
// Callers treat it as a no-op, since duplicate and out-of-order deliveries
// are expected.
var ErrNoTransition = errors.New("event does not apply to saga state")

// EventKind enumerates the inputs of the state machine.
type EventKind int

// Saga events.
const (
	EventStarted EventKind = iota + 1
	EventDocumentCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "Started"
	case EventDocumentCompleted:
		return "DocumentCompleted"
	default:
		return "Unknown"
	}
}

// Event is one input to Transition. Tier, URLHash and ChildIDs are set for
// EventDocumentCompleted.
type Event struct {
	Kind     EventKind
	Tier     int
	URLHash  string
	ChildIDs []string
}

// CompletionEvent converts a bus completion into a state machine input.
func CompletionEvent(evt crawler.DocumentProcessingCompleted) Event {
	return Event{
		Kind:     EventDocumentCompleted,
		Tier:     evt.Tier,
		URLHash:  evt.URLHash,
		ChildIDs: evt.ChildIDs,
	}
}

type transitionFunc func(crawler.SagaState, Event) (crawler.SagaState, []crawler.TriggerTierSourcing, error)

var transitions = map[crawler.SagaStatus]map[EventKind]transitionFunc{
	crawler.SagaNotStarted: {
		EventStarted: start,
	},
	crawler.SagaTierInProgress: {
		EventDocumentCompleted: completeDocument,
	},
}

// Transition applies evt to state and returns the new state plus the
// triggers to emit. The input state is not modified.
func Transition(state crawler.SagaState, evt Event) (crawler.SagaState, []crawler.TriggerTierSourcing, error) {
	status := state.Status
	if status == "" {
		status = crawler.SagaNotStarted
	}
	fn, ok := transitions[status][evt.Kind]
	if !ok {
		return state, nil, fmt.Errorf("%s in %s: %w", evt.Kind, status, ErrNoTransition)
	}
	state.Tiers = slices.Clone(state.Tiers)
	state.Progress = crawler.TierProgress{
		Pending:  slices.Clone(state.Progress.Pending),
		Finished: slices.Clone(state.Progress.Finished),
	}
	return fn(state, evt)
}

func start(state crawler.SagaState, _ Event) (crawler.SagaState, []crawler.TriggerTierSourcing, error) {
	for i, tier := range state.Tiers {
		if tier.URLHash == "" {
			return state, nil, fmt.Errorf("%w: tier %d has no root url hash", crawler.ErrInvalidValue, i)
		}
	}
	state.TierIndex = 0
	if len(state.Tiers) == 0 {
		state.Status = crawler.SagaCompleted
		state.Progress = crawler.TierProgress{}
		return state, nil, nil
	}
	state.Status = crawler.SagaTierInProgress
	return beginTier(state)
}

// completeDocument marks one document of the current tier finished and
// adds the children it fanned out. The tier advances once nothing is
// pending.
func completeDocument(state crawler.SagaState, evt Event) (crawler.SagaState, []crawler.TriggerTierSourcing, error) {
	if _, ok := state.CurrentTier(); !ok {
		return state, nil, fmt.Errorf("tier %d out of range: %w", state.TierIndex, ErrNoTransition)
	}
	if evt.Tier != state.TierIndex {
		return state, nil, fmt.Errorf("completion for tier %d while sourcing tier %d: %w",
			evt.Tier, state.TierIndex, ErrNoTransition)
	}
	progress := &state.Progress
	if evt.URLHash == "" || slices.Contains(progress.Finished, evt.URLHash) {
		return state, nil, fmt.Errorf("document %q already finished: %w", evt.URLHash, ErrNoTransition)
	}

	progress.Finished = append(progress.Finished, evt.URLHash)
	progress.Pending = slices.DeleteFunc(progress.Pending, func(h string) bool { return h == evt.URLHash })
	for _, child := range evt.ChildIDs {
		if child == "" || slices.Contains(progress.Finished, child) || slices.Contains(progress.Pending, child) {
			continue
		}
		progress.Pending = append(progress.Pending, child)
	}
	if len(progress.Pending) > 0 {
		return state, nil, nil
	}

	state.TierIndex++
	if state.TierIndex >= len(state.Tiers) {
		state.Status = crawler.SagaCompleted
		state.Progress = crawler.TierProgress{}
		return state, nil, nil
	}
	return beginTier(state)
}

func beginTier(state crawler.SagaState) (crawler.SagaState, []crawler.TriggerTierSourcing, error) {
	state.Progress = crawler.TierProgress{Pending: []string{state.Tiers[state.TierIndex].URLHash}}
	return state, []crawler.TriggerTierSourcing{triggerFor(state)}, nil
}

func triggerFor(state crawler.SagaState) crawler.TriggerTierSourcing {
	tier := state.Tiers[state.TierIndex]
	return crawler.TriggerTierSourcing{
		CorrelationID:      state.CorrelationID,
		Tier:               state.TierIndex,
		TierName:           tier.Name,
		DocumentType:       tier.DocumentType,
		Sport:              state.Sport,
		SeasonYear:         state.SeasonYear,
		SourceDataProvider: state.Provider,
	}
}
