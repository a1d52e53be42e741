package bqio

import (
	"context"
	"errors"
	"fmt"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/extract"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

// ReadConfig is the user-facing configuration of a read.
type ReadConfig struct {
	// Exactly one of Table (`[project:]dataset.table`) or Query must be set.
	Table string
	Query string
	// UseLegacySQL and FlattenResults only apply to query reads.
	UseLegacySQL   bool
	FlattenResults bool
	// StagingDir is where the snapshot Avro files land: a local directory
	// or a gs:// URL.
	StagingDir string
	// DisableValidation skips the source existence check.
	DisableValidation bool
}

// Source is a snapshot read: size estimation for scheduling, then a split
// into independently readable file sources.
type Source interface {
	EstimatedSizeBytes(ctx context.Context) (int64, error)
	Split(ctx context.Context) (*extract.Sources, error)
}

// NewRead validates the read configuration and returns the snapshot
// source. Configuration errors and missing source tables surface here,
// before any remote job is submitted.
func NewRead(
	ctx context.Context,
	jobClient bqclient.JobClient,
	tableClient bqclient.TableClient,
	projectID string,
	config ReadConfig,
) (Source, error) {
	if (config.Table == "") == (config.Query == "") {
		return nil, errors.New("exactly one of table or query should be set")
	}
	if config.StagingDir == "" {
		return nil, errors.New("a staging directory must be set for reads")
	}
	store, err := stagingfs.OpenDir(ctx, config.StagingDir)
	if err != nil {
		return nil, err
	}

	if config.Query != "" {
		return extract.NewQuerySource(jobClient, tableClient, store, projectID,
			config.Query, extract.QueryOptions{
				UseLegacySQL:   config.UseLegacySQL,
				FlattenResults: config.FlattenResults,
			}), nil
	}

	table, err := model.ParseTableSpec(config.Table)
	if err != nil {
		return nil, err
	}
	table = table.WithDefaultProject(projectID)
	if !config.DisableValidation {
		if _, err := tableClient.GetTable(ctx, table); err != nil {
			return nil, fmt.Errorf("failed to validate source table %s: %w", table, err)
		}
	}
	return extract.NewTableSource(jobClient, tableClient, store, projectID, table), nil
}
