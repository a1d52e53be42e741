// Package bulkload implements the partitioned bulk-load write path:
// staged row files are grouped into partitions, each partition is loaded
// by a retryable load job, and multi-partition writes are committed into
// the destination table by a single copy job so the destination is only
// ever touched by one successful terminal operation.
package bulkload

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/internal"
	"github.com/bqio/bqio/jobs"
	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/staging"
	"github.com/bqio/bqio/stagingfs"
)

// Config describes one bulk write invocation.
type Config struct {
	Destination       model.TableReference
	Schema            bigquery.Schema
	WriteDisposition  bqclient.WriteDisposition
	CreateDisposition bqclient.CreateDisposition
	TableDescription  string

	// Zero values fall back to the policy knobs in internal.
	MaxFilesPerPartition int
	MaxPartitionBytes    int64
	MaxRetryJobs         int
}

func (c *Config) maxFilesPerPartition() int {
	if c.MaxFilesPerPartition > 0 {
		return c.MaxFilesPerPartition
	}
	return internal.MaxFilesPerPartition()
}

func (c *Config) maxPartitionBytes() int64 {
	if c.MaxPartitionBytes > 0 {
		return c.MaxPartitionBytes
	}
	return internal.MaxPartitionBytes()
}

func (c *Config) maxRetryJobs() int {
	if c.MaxRetryJobs > 0 {
		return c.MaxRetryJobs
	}
	return internal.MaxRetryJobs()
}

// Writer orchestrates one write invocation. Staged files and temp tables
// are namespaced by a per-run random token so concurrent invocations never
// share a staging path or temp-table name.
type Writer struct {
	jobClient   bqclient.JobClient
	tableClient bqclient.TableClient
	store       *stagingfs.Store
	projectID   string
	token       string
	config      Config
}

func NewWriter(
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	store *stagingfs.Store,
	projectID string,
	config Config,
) *Writer {
	return &Writer{
		jobClient:   jobClient,
		tableClient: tableClient,
		store:       store,
		projectID:   projectID,
		token:       "bqio_job_" + uuid.NewString(),
		config:      config,
	}
}

// Token returns the per-run token embedded in all generated names.
func (w *Writer) Token() string {
	return w.token
}

// StageBatch writes one batch of rows into a fresh staged file. Batches
// from parallel staging units may be staged concurrently; each call owns
// its file exclusively.
func (w *Writer) StageBatch(ctx context.Context, rows []model.Row) (model.StagedFile, error) {
	writer := staging.NewRowWriter(w.store)
	if err := writer.Open(ctx, w.token+"-"+uuid.NewString()); err != nil {
		return model.StagedFile{}, err
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return model.StagedFile{}, err
		}
	}
	return writer.Close()
}

// Commit partitions the staged files and drives them into the destination
// table. Multi-partition loads all land in temp tables first and become
// visible only through the final copy job; the single-partition case loads
// the destination directly. Either way exactly one successful terminal
// operation touches the destination.
func (w *Writer) Commit(ctx context.Context, files []model.StagedFile) error {
	ctx = logger.WithStep(ctx, "commit")
	log := logger.LoggerFromCtx(ctx)

	plan, err := staging.PartitionFiles(ctx, w.store, files,
		w.config.maxFilesPerPartition(), w.config.maxPartitionBytes())
	if err != nil {
		return err
	}

	switch p := plan.(type) {
	case staging.DirectWrite:
		_, err := w.loadPartition(ctx, p.Partition, w.config.Destination,
			w.config.WriteDisposition, w.config.CreateDisposition, w.config.TableDescription)
		return err

	case staging.StagedWrite:
		tempTables := make([]model.TableReference, len(p.Partitions))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, partition := range p.Partitions {
			tempRef := model.TableReference{
				ProjectID: w.destinationProject(),
				DatasetID: w.config.Destination.DatasetID,
				TableID:   w.partitionJobPrefix(partition.ID),
			}
			tempTables[i] = tempRef
			group.Go(func() error {
				// Temp tables must start empty; the caller's dispositions
				// apply only at the commit copy below.
				_, err := w.loadPartition(groupCtx, partition, tempRef,
					bqclient.WriteEmpty, bqclient.CreateIfNeeded, "")
				return err
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		if err := w.copyTempTables(ctx, tempTables); err != nil {
			return err
		}
		w.removeTempTables(ctx, tempTables)
		log.Info("committed bulk load",
			slog.String("destination", w.config.Destination.String()),
			slog.Int("partitions", len(p.Partitions)))
		return nil

	default:
		return fmt.Errorf("unexpected partition plan %T", plan)
	}
}

func (w *Writer) destinationProject() string {
	if w.config.Destination.ProjectID != "" {
		return w.config.Destination.ProjectID
	}
	return w.projectID
}

func (w *Writer) partitionJobPrefix(partitionID int64) string {
	return fmt.Sprintf("%s_%05d", w.token, partitionID)
}

// loadPartition runs one retryable load job and removes the partition's
// staged files once the job has reached a terminal outcome, successful or
// not, to bound staging storage growth.
func (w *Writer) loadPartition(
	ctx context.Context,
	partition staging.Partition,
	destination model.TableReference,
	writeDisposition bqclient.WriteDisposition,
	createDisposition bqclient.CreateDisposition,
	tableDescription string,
) (bqclient.Job, error) {
	defer w.removeStagedFiles(ctx, partition.Files)

	uris := make([]string, len(partition.Files))
	for i, file := range partition.Files {
		uris[i] = file.Path
	}
	loadConfig := bqclient.LoadConfig{
		DestinationTable:  destination,
		Schema:            w.config.Schema,
		SourceURIs:        uris,
		WriteDisposition:  writeDisposition,
		CreateDisposition: createDisposition,
	}

	var postCommit jobs.PostCommitFunc
	if tableDescription != "" {
		postCommit = func(ctx context.Context, _ bqclient.Job) error {
			return w.tableClient.PatchTableDescription(ctx, destination, tableDescription)
		}
	}

	return jobs.RunJob(ctx, w.jobClient, w.destinationProject(),
		w.partitionJobPrefix(partition.ID), w.config.maxRetryJobs(), jobs.PollUnbounded,
		func(ctx context.Context, ref model.JobReference) error {
			return w.jobClient.SubmitLoad(ctx, ref, loadConfig)
		}, postCommit)
}

func (w *Writer) copyTempTables(ctx context.Context, tempTables []model.TableReference) error {
	copyConfig := bqclient.CopyConfig{
		SourceTables:      tempTables,
		DestinationTable:  w.config.Destination,
		WriteDisposition:  w.config.WriteDisposition,
		CreateDisposition: w.config.CreateDisposition,
	}

	var postCommit jobs.PostCommitFunc
	if w.config.TableDescription != "" {
		postCommit = func(ctx context.Context, _ bqclient.Job) error {
			return w.tableClient.PatchTableDescription(ctx, w.config.Destination, w.config.TableDescription)
		}
	}

	_, err := jobs.RunJob(ctx, w.jobClient, w.destinationProject(),
		w.token, w.config.maxRetryJobs(), jobs.PollUnbounded,
		func(ctx context.Context, ref model.JobReference) error {
			return w.jobClient.SubmitCopy(ctx, ref, copyConfig)
		}, postCommit)
	return err
}

// removeTempTables is best-effort: individual deletion failures are logged
// and never fail the pipeline.
func (w *Writer) removeTempTables(ctx context.Context, tempTables []model.TableReference) {
	log := logger.LoggerFromCtx(ctx)
	for _, ref := range tempTables {
		if err := w.tableClient.DeleteTable(ctx, ref); err != nil {
			log.Warn("failed to delete temp table",
				slog.String("table", ref.String()),
				slog.Any("error", err))
		}
	}
}

func (w *Writer) removeStagedFiles(ctx context.Context, files []model.StagedFile) {
	log := logger.LoggerFromCtx(ctx)
	for _, file := range files {
		if err := w.store.Delete(ctx, file.Path); err != nil {
			log.Warn("failed to delete staged file",
				slog.String("path", file.Path),
				slog.Any("error", err))
		}
	}
}
