package bqclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
)

// ErrTableNotFound is returned by GetTable for missing tables.
var ErrTableNotFound = errors.New("table not found")

const pollInterval = 5 * time.Second

// Client is the production JobClient/TableClient over the BigQuery API.
type Client struct {
	bq        *bigquery.Client
	projectID string
}

var (
	_ JobClient   = (*Client)(nil)
	_ TableClient = (*Client)(nil)
)

func NewClient(ctx context.Context, projectID string, opts ...option.ClientOption) (*Client, error) {
	bq, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	return &Client{bq: bq, projectID: projectID}, nil
}

func (c *Client) Close() error {
	return c.bq.Close()
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func (c *Client) table(ref model.TableReference) *bigquery.Table {
	projectID := ref.ProjectID
	if projectID == "" {
		projectID = c.projectID
	}
	return c.bq.DatasetInProject(projectID, ref.DatasetID).Table(ref.TableID)
}

func (c *Client) SubmitLoad(ctx context.Context, ref model.JobReference, config LoadConfig) error {
	var source bigquery.LoadSource
	if len(config.SourceURIs) > 0 && strings.HasPrefix(config.SourceURIs[0], "gs://") {
		gcsRef := bigquery.NewGCSReference(config.SourceURIs...)
		gcsRef.SourceFormat = bigquery.JSON
		gcsRef.Schema = config.Schema
		source = gcsRef
	} else {
		// Local staged files: concatenate them into one reader source.
		// Newline-delimited JSON concatenates without framing.
		readers := make([]io.Reader, 0, len(config.SourceURIs))
		for _, path := range config.SourceURIs {
			fh, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("failed to open staged file %s: %w", path, err)
			}
			defer fh.Close()
			readers = append(readers, fh)
		}
		readerSource := bigquery.NewReaderSource(io.MultiReader(readers...))
		readerSource.SourceFormat = bigquery.JSON
		readerSource.Schema = config.Schema
		source = readerSource
	}

	loader := c.table(config.DestinationTable).LoaderFrom(source)
	loader.JobIDConfig = bigquery.JobIDConfig{JobID: ref.JobID}
	loader.WriteDisposition = bigquery.TableWriteDisposition(config.WriteDisposition)
	loader.CreateDisposition = bigquery.TableCreateDisposition(config.CreateDisposition)
	if _, err := loader.Run(ctx); err != nil {
		return fmt.Errorf("failed to submit load job %s: %w", ref.JobID, err)
	}
	return nil
}

func (c *Client) SubmitCopy(ctx context.Context, ref model.JobReference, config CopyConfig) error {
	sources := make([]*bigquery.Table, 0, len(config.SourceTables))
	for _, src := range config.SourceTables {
		sources = append(sources, c.table(src))
	}
	copier := c.table(config.DestinationTable).CopierFrom(sources...)
	copier.JobIDConfig = bigquery.JobIDConfig{JobID: ref.JobID}
	copier.WriteDisposition = bigquery.TableWriteDisposition(config.WriteDisposition)
	copier.CreateDisposition = bigquery.TableCreateDisposition(config.CreateDisposition)
	if _, err := copier.Run(ctx); err != nil {
		return fmt.Errorf("failed to submit copy job %s: %w", ref.JobID, err)
	}
	return nil
}

func (c *Client) SubmitExtract(ctx context.Context, ref model.JobReference, config ExtractConfig) error {
	gcsRef := bigquery.NewGCSReference(config.DestinationURI)
	gcsRef.DestinationFormat = bigquery.Avro
	extractor := c.table(config.SourceTable).ExtractorTo(gcsRef)
	extractor.JobIDConfig = bigquery.JobIDConfig{JobID: ref.JobID}
	extractor.UseAvroLogicalTypes = true
	if _, err := extractor.Run(ctx); err != nil {
		return fmt.Errorf("failed to submit extract job %s: %w", ref.JobID, err)
	}
	return nil
}

func (c *Client) queryFromConfig(config QueryConfig) *bigquery.Query {
	q := c.bq.Query(config.Query)
	q.UseLegacySQL = config.UseLegacySQL
	if config.UseLegacySQL {
		flatten := config.FlattenResults
		q.DisableFlattenedResults = !flatten
	}
	q.AllowLargeResults = config.AllowLargeResults
	if config.BatchPriority {
		q.Priority = bigquery.BatchPriority
	}
	if config.DestinationTable != (model.TableReference{}) {
		q.Dst = c.table(config.DestinationTable)
		q.WriteDisposition = bigquery.TableWriteDisposition(config.WriteDisposition)
		q.CreateDisposition = bigquery.TableCreateDisposition(config.CreateDisposition)
	}
	return q
}

func (c *Client) SubmitQuery(ctx context.Context, ref model.JobReference, config QueryConfig) error {
	q := c.queryFromConfig(config)
	q.JobIDConfig = bigquery.JobIDConfig{JobID: ref.JobID}
	if _, err := q.Run(ctx); err != nil {
		return fmt.Errorf("failed to submit query job %s: %w", ref.JobID, err)
	}
	return nil
}

// PollJob polls until the job reaches a terminal state. A missing job
// record or an unclassifiable status maps to StatusUnknown; callers treat
// that as non-retryable since the remote state is indeterminate.
func (c *Client) PollJob(ctx context.Context, ref model.JobReference, maxRetries int) (Job, error) {
	log := logger.LoggerFromCtx(ctx)
	pollFailures := 0
	for {
		job, err := c.bq.JobFromProject(ctx, ref.ProjectID, ref.JobID, "")
		if err == nil {
			var status *bigquery.JobStatus
			status, err = job.Status(ctx)
			if err == nil {
				if !status.Done() {
					select {
					case <-ctx.Done():
						return Job{}, fmt.Errorf("interrupted while polling job %s: %w", ref.JobID, ctx.Err())
					case <-time.After(pollInterval):
					}
					continue
				}
				return terminalJob(ref, status), nil
			}
		}
		if isNotFound(err) {
			// The service has no record of the job: indeterminate, not failed.
			return Job{Ref: ref, Status: model.StatusUnknown, Diagnostic: err.Error()}, nil
		}
		if ctx.Err() != nil {
			return Job{}, fmt.Errorf("interrupted while polling job %s: %w", ref.JobID, ctx.Err())
		}
		pollFailures++
		if maxRetries >= 0 && pollFailures > maxRetries {
			return Job{}, fmt.Errorf("failed to poll job %s after %d attempts: %w", ref.JobID, pollFailures, err)
		}
		log.Warn("transient failure polling job, retrying",
			slog.String("jobId", ref.JobID),
			slog.Int("pollFailures", pollFailures),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return Job{}, fmt.Errorf("interrupted while polling job %s: %w", ref.JobID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func terminalJob(ref model.JobReference, status *bigquery.JobStatus) Job {
	result := Job{Ref: ref, Statistics: statisticsOf(status)}
	if err := status.Err(); err != nil {
		result.Status = model.StatusFailed
		result.Diagnostic = err.Error()
		return result
	}
	result.Status = model.StatusSucceeded
	return result
}

func statisticsOf(status *bigquery.JobStatus) JobStatistics {
	var stats JobStatistics
	if status.Statistics == nil {
		return stats
	}
	switch details := status.Statistics.Details.(type) {
	case *bigquery.ExtractStatistics:
		stats.DestinationURIFileCounts = details.DestinationURIFileCounts
	case *bigquery.QueryStatistics:
		stats.TotalBytesProcessed = status.Statistics.TotalBytesProcessed
		for _, table := range details.ReferencedTables {
			stats.ReferencedTables = append(stats.ReferencedTables, model.TableReference{
				ProjectID: table.ProjectID,
				DatasetID: table.DatasetID,
				TableID:   table.TableID,
			})
		}
	}
	return stats
}

func (c *Client) DryRunQuery(ctx context.Context, projectID string, config QueryConfig) (JobStatistics, error) {
	q := c.queryFromConfig(config)
	q.DryRun = true
	job, err := q.Run(ctx)
	if err != nil {
		return JobStatistics{}, fmt.Errorf("failed to dry-run query: %w", err)
	}
	return statisticsOf(job.LastStatus()), nil
}

func (c *Client) GetTable(ctx context.Context, ref model.TableReference) (TableMetadata, error) {
	metadata, err := c.table(ref).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return TableMetadata{}, fmt.Errorf("%w: %s", ErrTableNotFound, ref)
		}
		return TableMetadata{}, fmt.Errorf("failed to get table metadata for %s: %w", ref, err)
	}
	return TableMetadata{
		Ref:         ref,
		Schema:      metadata.Schema,
		Description: metadata.Description,
		Location:    metadata.Location,
		NumRows:     metadata.NumRows,
		NumBytes:    metadata.NumBytes,
	}, nil
}

func (c *Client) CreateTable(
	ctx context.Context, ref model.TableReference, schema bigquery.Schema, description string,
) error {
	metadata := &bigquery.TableMetadata{Schema: schema, Description: description}
	if err := c.table(ref).Create(ctx, metadata); err != nil {
		return fmt.Errorf("failed to create table %s: %w", ref, err)
	}
	return nil
}

func (c *Client) DeleteTable(ctx context.Context, ref model.TableReference) error {
	if err := c.table(ref).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", ref, err)
	}
	return nil
}

func (c *Client) CreateDataset(ctx context.Context, projectID, datasetID, location, description string) error {
	metadata := &bigquery.DatasetMetadata{Location: location, Description: description}
	if err := c.bq.DatasetInProject(projectID, datasetID).Create(ctx, metadata); err != nil {
		return fmt.Errorf("failed to create dataset %s.%s: %w", projectID, datasetID, err)
	}
	return nil
}

func (c *Client) DeleteDataset(ctx context.Context, projectID, datasetID string) error {
	if err := c.bq.DatasetInProject(projectID, datasetID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete dataset %s.%s: %w", projectID, datasetID, err)
	}
	return nil
}

func (c *Client) IsTableEmpty(ctx context.Context, ref model.TableReference) (bool, error) {
	metadata, err := c.GetTable(ctx, ref)
	if err != nil {
		return false, err
	}
	return metadata.NumRows == 0, nil
}

// rowSaver streams one row with an explicit insert id for server-side
// best-effort deduplication.
type rowSaver struct {
	row      model.Row
	insertID string
}

func (s *rowSaver) Save() (map[string]bigquery.Value, string, error) {
	return s.row, s.insertID, nil
}

func (c *Client) InsertAll(
	ctx context.Context, ref model.TableReference, rows []model.Row, uniqueIDs []string,
) (int64, error) {
	if len(rows) != len(uniqueIDs) {
		return 0, fmt.Errorf("rows and unique ids mismatched: %d vs %d", len(rows), len(uniqueIDs))
	}
	savers := make([]*rowSaver, len(rows))
	var totalBytes int64
	for i, row := range rows {
		savers[i] = &rowSaver{row: row, insertID: uniqueIDs[i]}
		encoded, err := jsoniter.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("failed to encode row for %s: %w", ref, err)
		}
		totalBytes += int64(len(encoded))
	}
	if err := c.table(ref).Inserter().Put(ctx, savers); err != nil {
		return 0, fmt.Errorf("failed to stream %d rows into %s: %w", len(rows), ref, err)
	}
	return totalBytes, nil
}

func (c *Client) PatchTableDescription(ctx context.Context, ref model.TableReference, description string) error {
	update := bigquery.TableMetadataToUpdate{Description: description}
	if _, err := c.table(ref).Update(ctx, update, ""); err != nil {
		return fmt.Errorf("failed to patch description of %s: %w", ref, err)
	}
	return nil
}
