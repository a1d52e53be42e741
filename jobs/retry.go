// Package jobs drives asynchronous BigQuery jobs to completion: submit,
// poll to a terminal state, and retry failed attempts under a fresh job id.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
)

// PollUnbounded makes PollJob retry transient poll failures until the
// enclosing context is canceled.
const PollUnbounded = -1

var attemptCounter = sync.OnceValue(func() metric.Int64Counter {
	counter, err := otel.Meter("github.com/bqio/bqio/jobs").Int64Counter(
		"bqio.jobs.attempts",
		metric.WithDescription("Job attempts by terminal status"))
	if err != nil {
		return nil
	}
	return counter
})

func countAttempt(ctx context.Context, status model.JobStatus) {
	if counter := attemptCounter(); counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status.String())))
	}
}

// SubmitFunc submits one job attempt under the given reference.
type SubmitFunc func(ctx context.Context, ref model.JobReference) error

// PostCommitFunc runs once after a successful attempt, before RunJob
// returns. Used for things like patching the destination table description.
type PostCommitFunc func(ctx context.Context, job bqclient.Job) error

// RunJob runs up to maxAttempts attempts of a job. Every attempt gets a
// fresh job id, jobIDPrefix-i, so a job service that treats ids as unique
// never sees a conflicting resubmission. FAILED attempts are retried;
// UNKNOWN is fatal immediately because the remote state is indeterminate
// and resubmitting risks duplicate side effects.
func RunJob(
	ctx context.Context,
	client bqclient.JobClient,
	projectID string,
	jobIDPrefix string,
	maxAttempts int,
	pollMaxRetries int,
	submit SubmitFunc,
	postCommit PostCommitFunc,
) (bqclient.Job, error) {
	log := logger.LoggerFromCtx(ctx)

	var lastFailed *bqclient.Job
	for i := range maxAttempts {
		ref := model.JobReference{
			ProjectID: projectID,
			JobID:     fmt.Sprintf("%s-%d", jobIDPrefix, i),
		}
		if err := submit(ctx, ref); err != nil {
			return bqclient.Job{}, fmt.Errorf("failed to submit job %s: %w", ref.JobID, err)
		}

		job, err := client.PollJob(ctx, ref, pollMaxRetries)
		if err != nil {
			return bqclient.Job{}, err
		}
		countAttempt(ctx, job.Status)

		switch job.Status {
		case model.StatusSucceeded:
			if postCommit != nil {
				if err := postCommit(ctx, job); err != nil {
					return job, err
				}
			}
			return job, nil
		case model.StatusUnknown:
			return job, fmt.Errorf("UNKNOWN status of job %s: %s", ref.JobID, job.Diagnostic)
		case model.StatusFailed:
			log.Warn("job attempt failed",
				slog.String("jobId", ref.JobID),
				slog.Int("attempt", i),
				slog.String("diagnostic", job.Diagnostic))
			failed := job
			lastFailed = &failed
		}
	}

	diagnostic := "none"
	if lastFailed != nil {
		diagnostic = lastFailed.Diagnostic
	}
	return bqclient.Job{}, fmt.Errorf(
		"failed job with id prefix %s, reached max retries %d, last failed job: %s",
		jobIDPrefix, maxAttempts, diagnostic)
}
