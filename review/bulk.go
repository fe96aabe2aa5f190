package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/c360studio/taskgate/roles"
	"github.com/c360studio/taskgate/session"
)

// BulkFailure is one failed item of a bulk operation.
type BulkFailure struct {
	SessionID string `json:"id"`
	Reason    string `json:"reason"`
}

// BulkResult reports per-item outcomes; partial success is the default
// shape.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkApprove approves up to the configured batch of sessions with
// per-item CAS.
func (m *Machine) BulkApprove(ctx context.Context, ids []string, reviewer *roles.User, comment string, maxBatch int) (*BulkResult, error) {
	if err := checkBatch(ids, maxBatch); err != nil {
		return nil, err
	}

	result := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		if _, err := m.Approve(ctx, id, reviewer, comment); err != nil {
			result.Failed = append(result.Failed, BulkFailure{SessionID: id, Reason: bulkReason(err)})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

// BulkResubmit resubmits up to the configured batch of returned sessions
// with per-item CAS.
func (m *Machine) BulkResubmit(ctx context.Context, ids []string, trainer *roles.User, maxBatch int) (*BulkResult, error) {
	if err := checkBatch(ids, maxBatch); err != nil {
		return nil, err
	}

	result := &BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}
	for _, id := range ids {
		if _, err := m.Resubmit(ctx, id, trainer, ""); err != nil {
			result.Failed = append(result.Failed, BulkFailure{SessionID: id, Reason: bulkReason(err)})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}
	return result, nil
}

func checkBatch(ids []string, maxBatch int) error {
	if len(ids) == 0 {
		return &PreconditionError{Message: "No session ids supplied"}
	}
	if len(ids) > maxBatch {
		return &PreconditionError{Message: fmt.Sprintf("Batch size %d exceeds the maximum of %d", len(ids), maxBatch)}
	}
	return nil
}

func bulkReason(err error) string {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return fmt.Sprintf("conflict: currently %s", conflict.Observed)
	case errors.Is(err, session.ErrNotFound):
		return "not found"
	default:
		return err.Error()
	}
}
