// Package bulk applies one action to many entities, isolating per-item failures.
package bulk

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/sync/errgroup"
)

type Reason string

const (
	ReasonIneligibleState   Reason = "ineligible-state"
	ReasonNotFound          Reason = "not-found"
	ReasonConflict          Reason = "conflict"
	ReasonValidation        Reason = "validation"
	ReasonForbidden         Reason = "forbidden"
	ReasonUnsupportedAction Reason = "unsupported-action"
	ReasonInternal          Reason = "internal"
)

var (
	// ErrIneligible marks an item whose current state rules the action out.
	ErrIneligible = errors.New("item is not eligible for this action")

	ErrUnsupported = errors.New("action is not supported for this entity")

	ErrBlankID = errors.New("id is blank")
)

const DefaultConcurrency = 8

type Failure struct {
	ID      string `json:"id"`
	Reason  Reason `json:"reason"`
	Message string `json:"message,omitempty"`
}

type Result struct {
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
}

// ItemFunc performs the action on one id.
type ItemFunc func(ctx context.Context, id string) error

// Classifier turns an item error into a stable reason code.
type Classifier func(error) Reason

type Orchestrator struct {
	concurrency int
	classify    Classifier
}

func New(concurrency int, classify Classifier) *Orchestrator {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Orchestrator{concurrency: concurrency, classify: classify}
}

// DefaultClassifier understands only this package's sentinels.
func DefaultClassifier(err error) Reason {
	switch {
	case errors.Is(err, ErrIneligible):
		return ReasonIneligibleState
	case errors.Is(err, ErrUnsupported):
		return ReasonUnsupportedAction
	case errors.Is(err, ErrBlankID):
		return ReasonValidation
	default:
		return ReasonInternal
	}
}

// Apply runs fn once per distinct id with bounded parallelism. Item errors
// never cancel the batch; they are reported in Result.Failed, as is every
// blank id. Output keeps the input order of first occurrence.
func (o *Orchestrator) Apply(ctx context.Context, ids []string, fn ItemFunc) Result {
	items := dedupe(ids)
	outcomes := make([]error, len(items))

	var group errgroup.Group
	group.SetLimit(o.concurrency)
	for i, item := range items {
		if item.id == "" {
			outcomes[i] = ErrBlankID
			continue
		}
		group.Go(func() error {
			var err error
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = runItem(ctx, item.id, fn)
			}
			outcomes[i] = err
			return nil
		})
	}
	_ = group.Wait()

	result := Result{Succeeded: make([]string, 0, len(items)), Failed: make([]Failure, 0)}
	for i, item := range items {
		err := outcomes[i]
		switch {
		case err == nil:
			result.Succeeded = append(result.Succeeded, item.id)
		case errors.Is(err, ErrBlankID):
			result.Failed = append(result.Failed, Failure{ID: item.raw, Reason: ReasonValidation, Message: err.Error()})
		default:
			result.Failed = append(result.Failed, Failure{ID: item.id, Reason: o.classify(err), Message: err.Error()})
		}
	}
	return result
}

func runItem(ctx context.Context, id string, fn ItemFunc) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = errors.New("bulk item panicked")
		}
	}()
	return fn(ctx, id)
}

type entry struct {
	id  string
	raw string
}

// dedupe trims ids and drops repeats. Blank ids are kept, one entry per
// occurrence, so they can be reported.
func dedupe(ids []string) []entry {
	seen := make(map[string]struct{}, len(ids))
	out := make([]entry, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			out = append(out, entry{raw: raw})
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, entry{id: id, raw: raw})
	}
	return out
}
