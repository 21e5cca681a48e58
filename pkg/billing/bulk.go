package billing

import (
	"context"

	"github.com/platinummonkey/renewal/pkg/async"
)

// BulkAction names an action applicable to many subscriptions at once
type BulkAction string

const (
	BulkPause  BulkAction = "pause"
	BulkResume BulkAction = "resume"
	BulkCancel BulkAction = "cancel"
	BulkDelete BulkAction = "delete"
)

// maxBulkItems bounds one bulk request
const maxBulkItems = 1000

// BulkItemError reports one failed item
type BulkItemError struct {
	ID      int64  `json:"id"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// BulkResult summarizes a bulk action
type BulkResult struct {
	Action    BulkAction      `json:"action"`
	Processed int             `json:"processed"`
	Errors    []BulkItemError `json:"errors"`
}

// Bulk applies action to every id independently. A failing item is reported
// in the result and never aborts the others.
func (s *Service) Bulk(ctx context.Context, action BulkAction, ids []int64, actor *Actor) (*BulkResult, error) {
	const op = "Service.Bulk"

	var apply func(ctx context.Context, id int64) error
	switch action {
	case BulkPause:
		apply = func(ctx context.Context, id int64) error {
			_, err := s.Pause(ctx, id, actor)
			return err
		}
	case BulkResume:
		apply = func(ctx context.Context, id int64) error {
			_, err := s.Resume(ctx, id, actor)
			return err
		}
	case BulkCancel:
		apply = func(ctx context.Context, id int64) error {
			_, err := s.Cancel(ctx, id, actor)
			return err
		}
	case BulkDelete:
		apply = func(ctx context.Context, id int64) error {
			return s.Delete(ctx, id, actor)
		}
	default:
		return nil, Validationf(op, "unknown bulk action %q", action)
	}

	if len(ids) == 0 {
		return nil, Validationf(op, "no subscription ids given")
	}
	if len(ids) > maxBulkItems {
		return nil, Validationf(op, "at most %d ids per request, got %d", maxBulkItems, len(ids))
	}

	errs := async.ForEach(ctx, ids, s.settings.Concurrency, apply)

	result := &BulkResult{Action: action, Errors: []BulkItemError{}}
	for i, err := range errs {
		if err == nil {
			result.Processed++
			s.opts.metrics.RecordBulkItem(string(action), "success")
			continue
		}
		s.opts.metrics.RecordBulkItem(string(action), "error")
		result.Errors = append(result.Errors, BulkItemError{
			ID:      ids[i],
			Kind:    KindOf(err),
			Message: MessageOf(err),
		})
	}

	s.opts.logger.WithFields(map[string]interface{}{
		"action":    action,
		"requested": len(ids),
		"processed": result.Processed,
		"failed":    len(result.Errors),
	}).Infof("bulk %s finished", action)

	return result, nil
}
