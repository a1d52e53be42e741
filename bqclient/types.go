// Package bqclient defines the narrow interface this library needs from
// the BigQuery job and table services, together with the production
// implementation over cloud.google.com/go/bigquery. Everything above this
// package talks to these interfaces only, which is also what the in-memory
// test doubles implement.
package bqclient

import (
	"context"

	"cloud.google.com/go/bigquery"

	"github.com/bqio/bqio/model"
)

// WriteDisposition governs what happens to existing destination data.
type WriteDisposition string

const (
	WriteEmpty    WriteDisposition = "WRITE_EMPTY"
	WriteTruncate WriteDisposition = "WRITE_TRUNCATE"
	WriteAppend   WriteDisposition = "WRITE_APPEND"
)

// CreateDisposition governs whether a missing destination table may be created.
type CreateDisposition string

const (
	CreateIfNeeded CreateDisposition = "CREATE_IF_NEEDED"
	CreateNever    CreateDisposition = "CREATE_NEVER"
)

// Job is the terminal record of one remote job attempt.
type Job struct {
	Ref        model.JobReference
	Status     model.JobStatus
	Diagnostic string
	Statistics JobStatistics
}

// JobStatistics carries the subset of job statistics the orchestration
// layer consumes.
type JobStatistics struct {
	// DestinationURIFileCounts is populated for extract jobs: the number of
	// files written per destination URI pattern.
	DestinationURIFileCounts []int64
	// TotalBytesProcessed is populated for (dry-run) query jobs.
	TotalBytesProcessed int64
	// ReferencedTables is populated for dry-run query jobs.
	ReferencedTables []model.TableReference
}

type LoadConfig struct {
	DestinationTable  model.TableReference
	Schema            bigquery.Schema
	SourceURIs        []string
	WriteDisposition  WriteDisposition
	CreateDisposition CreateDisposition
}

type CopyConfig struct {
	SourceTables      []model.TableReference
	DestinationTable  model.TableReference
	WriteDisposition  WriteDisposition
	CreateDisposition CreateDisposition
}

type ExtractConfig struct {
	SourceTable model.TableReference
	// DestinationURI is a wildcard pattern, e.g. gs://bucket/dir/*.avro.
	DestinationURI string
}

type QueryConfig struct {
	Query             string
	UseLegacySQL      bool
	FlattenResults    bool
	AllowLargeResults bool
	BatchPriority     bool
	DestinationTable  model.TableReference
	WriteDisposition  WriteDisposition
	CreateDisposition CreateDisposition
}

// JobClient submits asynchronous jobs and polls them to a terminal state.
type JobClient interface {
	SubmitLoad(ctx context.Context, ref model.JobReference, config LoadConfig) error
	SubmitCopy(ctx context.Context, ref model.JobReference, config CopyConfig) error
	SubmitExtract(ctx context.Context, ref model.JobReference, config ExtractConfig) error
	SubmitQuery(ctx context.Context, ref model.JobReference, config QueryConfig) error
	// PollJob blocks until the job reaches a terminal state, retrying
	// transient poll failures up to maxRetries times. maxRetries < 0 means
	// poll until terminal status, bounded only by ctx.
	PollJob(ctx context.Context, ref model.JobReference, maxRetries int) (Job, error)
	// DryRunQuery plans the query without running it.
	DryRunQuery(ctx context.Context, projectID string, config QueryConfig) (JobStatistics, error)
}

// TableMetadata is the table-service view of a table.
type TableMetadata struct {
	Ref         model.TableReference
	Schema      bigquery.Schema
	Description string
	Location    string
	NumRows     uint64
	NumBytes    int64
}

// TableClient covers table and dataset bookkeeping plus streaming inserts.
type TableClient interface {
	// GetTable returns ErrTableNotFound when the table does not exist.
	GetTable(ctx context.Context, ref model.TableReference) (TableMetadata, error)
	CreateTable(ctx context.Context, ref model.TableReference, schema bigquery.Schema, description string) error
	DeleteTable(ctx context.Context, ref model.TableReference) error
	CreateDataset(ctx context.Context, projectID, datasetID, location, description string) error
	DeleteDataset(ctx context.Context, projectID, datasetID string) error
	IsTableEmpty(ctx context.Context, ref model.TableReference) (bool, error)
	// InsertAll streams rows with per-row insert ids for best-effort
	// deduplication and returns the number of bytes written.
	InsertAll(ctx context.Context, ref model.TableReference, rows []model.Row, uniqueIDs []string) (int64, error)
	PatchTableDescription(ctx context.Context, ref model.TableReference, description string) error
}
