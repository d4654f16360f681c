package jobs

import (
	"context"
	"fmt"

	"github.com/derril-tech/researchflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

const recoveryConcurrency = 8

// Recover reschedules every job that was started and had not finished when
// the process stopped. Jobs caught between retrying and queued are moved to
// queued first. It returns the number of jobs scheduled.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	unfinished, err := m.store.ListUnfinishedJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)
	for _, job := range unfinished {
		g.Go(func() error {
			if job.Status == models.JobStatusRetrying {
				_, err := m.mutate(gctx, job.ID, func(j *models.Job) ([]models.ProgressEvent, error) {
					if j.Status != models.JobStatusRetrying {
						return nil, errNoChange
					}
					if err := transition(j, models.JobStatusQueued); err != nil {
						return nil, err
					}
					return []models.ProgressEvent{{Kind: models.EventStatusChanged}}, nil
				})
				if err != nil {
					return fmt.Errorf("requeue job %s: %w", job.ID, err)
				}
			}
			m.Schedule(job.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	m.logger.Info("recovered unfinished jobs", "count", len(unfinished))
	return len(unfinished), nil
}
