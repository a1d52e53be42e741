// Package extract implements the snapshot read path: a table or query
// result is exported by a BigQuery extract job into Avro files under a
// staging directory, and each file becomes an independently readable
// source that decodes rows using the table's schema.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/jobs"
	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

// TableSource snapshots a whole table.
type TableSource struct {
	jobClient   bqclient.JobClient
	tableClient bqclient.TableClient
	store       *stagingfs.Store
	projectID   string
	token       string
	table       model.TableReference
}

func NewTableSource(
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	store *stagingfs.Store,
	projectID string,
	table model.TableReference,
) *TableSource {
	return &TableSource{
		jobClient:   jobClient,
		tableClient: tableClient,
		store:       store,
		projectID:   projectID,
		token:       "bqio_job_" + uuid.NewString(),
		table:       table.WithDefaultProject(projectID),
	}
}

// EstimatedSizeBytes reports the size of the table being snapshotted.
func (s *TableSource) EstimatedSizeBytes(ctx context.Context) (int64, error) {
	metadata, err := s.tableClient.GetTable(ctx, s.table)
	if err != nil {
		return 0, err
	}
	return metadata.NumBytes, nil
}

// Split runs the extract job and returns one source per produced file.
func (s *TableSource) Split(ctx context.Context) (*Sources, error) {
	return runExtract(ctx, s.jobClient, s.tableClient, s.store, s.projectID, s.token, s.table)
}

// QueryOptions carries the query dialect flags.
type QueryOptions struct {
	UseLegacySQL   bool
	FlattenResults bool
}

// QuerySource snapshots the result of a query by materializing it into a
// temporary table first.
type QuerySource struct {
	jobClient   bqclient.JobClient
	tableClient bqclient.TableClient
	store       *stagingfs.Store
	projectID   string
	token       string
	query       string
	options     QueryOptions
	tempTable   model.TableReference

	dryRunMu    sync.Mutex
	dryRunDone  bool
	dryRunStats bqclient.JobStatistics
}

func NewQuerySource(
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	store *stagingfs.Store,
	projectID string,
	query string,
	options QueryOptions,
) *QuerySource {
	runID := uuid.NewString()
	return &QuerySource{
		jobClient:   jobClient,
		tableClient: tableClient,
		store:       store,
		projectID:   projectID,
		token:       "bqio_job_" + runID,
		query:       query,
		options:     options,
		tempTable: model.TableReference{
			ProjectID: projectID,
			DatasetID: "temp_dataset_" + runID,
			TableID:   "temp_table_" + runID,
		},
	}
}

func (s *QuerySource) queryConfig() bqclient.QueryConfig {
	return bqclient.QueryConfig{
		Query:          s.query,
		UseLegacySQL:   s.options.UseLegacySQL,
		FlattenResults: s.options.FlattenResults,
	}
}

// dryRun plans the query; the statistics serve both size estimation and
// query-location resolution. Only a successful plan is cached, so a
// transient service failure does not poison later calls.
func (s *QuerySource) dryRun(ctx context.Context) (bqclient.JobStatistics, error) {
	s.dryRunMu.Lock()
	defer s.dryRunMu.Unlock()
	if s.dryRunDone {
		return s.dryRunStats, nil
	}
	stats, err := s.jobClient.DryRunQuery(ctx, s.projectID, s.queryConfig())
	if err != nil {
		return bqclient.JobStatistics{}, err
	}
	s.dryRunStats = stats
	s.dryRunDone = true
	return stats, nil
}

// EstimatedSizeBytes reports the bytes the query would process.
func (s *QuerySource) EstimatedSizeBytes(ctx context.Context) (int64, error) {
	stats, err := s.dryRun(ctx)
	if err != nil {
		return 0, err
	}
	return stats.TotalBytesProcessed, nil
}

// Split materializes the query into a temp table, extracts it, and tears
// the temp dataset down once splitting decisions are final. The snapshot
// files themselves stay owned by the returned Sources.
func (s *QuerySource) Split(ctx context.Context) (*Sources, error) {
	log := logger.LoggerFromCtx(ctx)

	// The temp dataset must live where the query runs, which is where its
	// referenced tables live.
	stats, err := s.dryRun(ctx)
	if err != nil {
		return nil, err
	}
	var location string
	if len(stats.ReferencedTables) > 0 {
		metadata, err := s.tableClient.GetTable(ctx, stats.ReferencedTables[0])
		if err != nil {
			return nil, err
		}
		location = metadata.Location
	}

	if err := s.tableClient.CreateDataset(ctx, s.tempTable.ProjectID, s.tempTable.DatasetID,
		location, "Dataset for BigQuery query job temporary table"); err != nil {
		return nil, err
	}

	queryConfig := s.queryConfig()
	queryConfig.AllowLargeResults = true
	queryConfig.BatchPriority = true
	queryConfig.DestinationTable = s.tempTable
	queryConfig.WriteDisposition = bqclient.WriteEmpty
	queryConfig.CreateDisposition = bqclient.CreateIfNeeded

	if _, err := jobs.RunJob(ctx, s.jobClient, s.projectID, s.token+"-query", 1, jobs.PollUnbounded,
		func(ctx context.Context, ref model.JobReference) error {
			return s.jobClient.SubmitQuery(ctx, ref, queryConfig)
		}, nil); err != nil {
		return nil, fmt.Errorf("query job failed: %w", err)
	}

	sources, err := runExtract(ctx, s.jobClient, s.tableClient, s.store, s.projectID, s.token, s.tempTable)
	if err != nil {
		return nil, err
	}

	// Splitting decisions are final: the temp table and dataset can go.
	// The extracted files must not; they belong to the read.
	if err := s.tableClient.DeleteTable(ctx, s.tempTable); err != nil {
		log.Warn("failed to delete query temp table",
			slog.String("table", s.tempTable.String()), slog.Any("error", err))
	}
	if err := s.tableClient.DeleteDataset(ctx, s.tempTable.ProjectID, s.tempTable.DatasetID); err != nil {
		log.Warn("failed to delete query temp dataset",
			slog.String("dataset", s.tempTable.DatasetID), slog.Any("error", err))
	}

	return sources, nil
}

func runExtract(
	ctx context.Context,
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	store *stagingfs.Store,
	projectID string,
	token string,
	table model.TableReference,
) (*Sources, error) {
	ctx = logger.WithStep(ctx, "extract")
	log := logger.LoggerFromCtx(ctx)

	extractConfig := bqclient.ExtractConfig{
		SourceTable:    table,
		DestinationURI: store.Dir() + "/*.avro",
	}
	// The job id prefix already ends in "-extract"; RunJob appends the
	// attempt index. Extract runs a single attempt with unbounded polling.
	job, err := jobs.RunJob(ctx, jobClient, projectID, token+"-extract", 1, jobs.PollUnbounded,
		func(ctx context.Context, ref model.JobReference) error {
			return jobClient.SubmitExtract(ctx, ref, extractConfig)
		}, nil)
	if err != nil {
		return nil, fmt.Errorf("extract job failed: %w", err)
	}

	paths, err := extractFilePaths(store, job)
	if err != nil {
		return nil, err
	}
	log.Info("extract job finished",
		slog.String("table", table.String()),
		slog.Int("files", len(paths)))

	// Fetch the schema before any temp-resource cleanup can remove the table.
	metadata, err := tableClient.GetTable(ctx, table)
	if err != nil {
		return nil, err
	}

	files := make([]*FileSource, len(paths))
	for i, path := range paths {
		files[i] = &FileSource{store: store, path: path, schema: metadata.Schema}
	}
	return &Sources{store: store, Files: files}, nil
}

// extractFilePaths enumerates output files from the job's reported file
// count. Deterministic enumeration avoids a directory listing and its
// consistency hazards.
func extractFilePaths(store *stagingfs.Store, job bqclient.Job) ([]string, error) {
	counts := job.Statistics.DestinationURIFileCounts
	if len(counts) != 1 {
		if len(counts) == 0 {
			return nil, fmt.Errorf("no destination uri file count received")
		}
		return nil, fmt.Errorf("more than one destination uri file count received, first two are %d, %d",
			counts[0], counts[1])
	}
	paths := make([]string, counts[0])
	for i := range paths {
		paths[i] = store.Path(fmt.Sprintf("%012d.avro", i))
	}
	return paths, nil
}

// Sources is the split outcome: one source per extracted file. The
// snapshot files are owned by the read; Close deletes them and must only
// be called once every file source has been fully consumed.
type Sources struct {
	store *stagingfs.Store
	Files []*FileSource
}

// Close removes the snapshot files, best-effort.
func (s *Sources) Close(ctx context.Context) error {
	log := logger.LoggerFromCtx(ctx)
	var lastErr error
	for _, file := range s.Files {
		if err := s.store.Delete(ctx, file.path); err != nil {
			log.Warn("failed to delete snapshot file",
				slog.String("path", file.path), slog.Any("error", err))
			lastErr = err
		}
	}
	return lastErr
}
