package grade

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BatchResult summarizes a bulk recompute across an offering's roster.
type BatchResult struct {
	Total     int
	Completed int
	Failed    int
	Cancelled bool
	Errors    map[string]string // studentID -> error message
}

// RecomputeOffering fans the offering's active roster out across at most
// workers goroutines. Pairs are independent: one student's failure is
// recorded and the rest continue. Cancellation is cooperative — pairs
// not yet started are skipped, already-completed pairs stay valid.
func (e *Engine) RecomputeOffering(ctx context.Context, offeringID string, trigger TriggerType, workers int) (BatchResult, error) {
	enrollments, err := e.store.ActiveEnrollments(ctx, offeringID)
	if err != nil {
		return BatchResult{}, err
	}
	if workers < 1 {
		workers = 1
	}

	res := BatchResult{Total: len(enrollments), Errors: map[string]string{}}
	var mu sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(workers)
	for _, enr := range enrollments {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		studentID := enr.StudentID
		g.Go(func() error {
			_, err := e.Recompute(ctx, RecomputeRequest{
				StudentID:        studentID,
				CourseOfferingID: offeringID,
				Trigger:          trigger,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors[studentID] = err.Error()
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					res.Cancelled = true
				}
			} else {
				res.Completed++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Info("batch recompute finished",
		"offering_id", offeringID,
		"total", res.Total,
		"completed", res.Completed,
		"failed", res.Failed,
		"cancelled", res.Cancelled)
	return res, nil
}
