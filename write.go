// Package bqio moves bulk tabular data between a dataflow pipeline and
// BigQuery: a partitioned bulk-load write path with atomic commit
// semantics, a streaming insert path with best-effort deduplication, and
// a snapshot read path over extract jobs.
package bqio

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/bulkload"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
	"github.com/bqio/bqio/streaming"
)

// WriteConfig is the user-facing configuration of a write.
type WriteConfig struct {
	// Table is the destination as `[project:]dataset.table`. For streaming
	// writes a TableFunc may be supplied instead.
	Table  string
	Schema bigquery.Schema
	// CreateDisposition defaults to CREATE_IF_NEEDED, WriteDisposition to
	// WRITE_EMPTY, matching the Jobs API defaults.
	CreateDisposition bqclient.CreateDisposition
	WriteDisposition  bqclient.WriteDisposition
	TableDescription  string
	// StagingDir is where the bulk path stages row files: a local
	// directory or a gs:// URL.
	StagingDir string
	// DisableValidation skips the destination precondition checks.
	DisableValidation bool
}

func (c *WriteConfig) withDefaults() WriteConfig {
	out := *c
	if out.CreateDisposition == "" {
		out.CreateDisposition = bqclient.CreateIfNeeded
	}
	if out.WriteDisposition == "" {
		out.WriteDisposition = bqclient.WriteEmpty
	}
	return out
}

func (c *WriteConfig) validate(needsTable bool) error {
	if needsTable && c.Table == "" {
		return errors.New("a destination table must be set")
	}
	if c.CreateDisposition == bqclient.CreateIfNeeded && c.Schema == nil {
		return errors.New("create disposition is CREATE_IF_NEEDED, however no schema was provided")
	}
	return nil
}

// NewBulkWriter validates the write configuration and returns a bulk-load
// writer. Configuration and precondition errors surface here, before any
// remote job is submitted.
func NewBulkWriter(
	ctx context.Context,
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	projectID string,
	config WriteConfig,
) (*bulkload.Writer, error) {
	config = config.withDefaults()
	if err := config.validate(true); err != nil {
		return nil, err
	}
	destination, err := model.ParseTableSpec(config.Table)
	if err != nil {
		return nil, err
	}
	destination = destination.WithDefaultProject(projectID)
	if config.StagingDir == "" {
		return nil, errors.New("a staging directory must be set for bulk writes")
	}

	if !config.DisableValidation && config.WriteDisposition == bqclient.WriteEmpty {
		empty, err := tableClient.IsTableEmpty(ctx, destination)
		switch {
		case errors.Is(err, bqclient.ErrTableNotFound):
			// Missing is fine; the load job creates it under CREATE_IF_NEEDED.
		case err != nil:
			return nil, fmt.Errorf("failed to validate destination %s: %w", destination, err)
		case !empty:
			return nil, fmt.Errorf(
				"BigQuery table is not empty: %s; write disposition WRITE_EMPTY requires an empty table", destination)
		}
	}

	store, err := stagingfs.OpenDir(ctx, config.StagingDir)
	if err != nil {
		return nil, err
	}

	return bulkload.NewWriter(jobClient, tableClient, store, projectID, bulkload.Config{
		Destination:       destination,
		Schema:            config.Schema,
		WriteDisposition:  config.WriteDisposition,
		CreateDisposition: config.CreateDisposition,
		TableDescription:  config.TableDescription,
	}), nil
}

// StreamingWrite bundles the two halves of the streaming path. The host
// engine must redistribute tagged rows through a checkpoint barrier
// between Tagger and Inserter.
type StreamingWrite struct {
	Tagger   *streaming.Tagger
	Inserter *streaming.Inserter
}

// NewStreamingWrite validates the configuration and returns the streaming
// tagger/inserter pair. tableFunc may be nil when config.Table is set.
func NewStreamingWrite(
	tableClient bqclient.TableClient,
	projectID string,
	config WriteConfig,
	tableFunc streaming.TableFunc,
	cache *streaming.TableCache,
) (*StreamingWrite, error) {
	config = config.withDefaults()
	if err := config.validate(tableFunc == nil); err != nil {
		return nil, err
	}
	if config.Table != "" && tableFunc != nil {
		return nil, errors.New("exactly one of table or tableFunc should be set")
	}

	var table *model.TableReference
	if config.Table != "" {
		ref, err := model.ParseTableSpec(config.Table)
		if err != nil {
			return nil, err
		}
		table = &ref
	}
	tagger, err := streaming.NewTagger(projectID, table, tableFunc)
	if err != nil {
		return nil, err
	}
	inserter := streaming.NewInserter(tableClient, cache, config.Schema,
		config.CreateDisposition, config.TableDescription)
	return &StreamingWrite{Tagger: tagger, Inserter: inserter}, nil
}
