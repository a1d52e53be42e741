// Package fakebq is an in-memory stand-in for the BigQuery job and table
// services. Jobs execute synchronously at submission and their terminal
// records are served by PollJob; load and extract jobs exchange real bytes
// with a staging store so the full write and read paths can be exercised
// hermetically.
package fakebq

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/bigquery"
	jsoniter "github.com/json-iterator/go"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

var jsonc = jsoniter.ConfigCompatibleWithStandardLibrary

type tableState struct {
	schema      bigquery.Schema
	description string
	location    string
	rows        []model.Row
	insertIDs   map[string]struct{}
	numBytes    int64
}

// SubmittedJob is the record of one job submission, in submission order.
type SubmittedJob struct {
	Ref        model.JobReference
	Kind       string
	Status     model.JobStatus
	Diagnostic string
}

// Service implements bqclient.JobClient and bqclient.TableClient in memory.
type Service struct {
	mu       sync.Mutex
	store    *stagingfs.Store
	tables   map[string]*tableState
	datasets map[string]string
	jobs     map[string]bqclient.Job
	log      []SubmittedJob

	failNext map[string]int
	loseNext map[string]int

	// QueryResults scripts query execution: query text to result rows.
	QueryResults map[string][]model.Row
	// QuerySchemas provides the schema a scripted query materializes with.
	QuerySchemas map[string]bigquery.Schema
	// QueryStats scripts DryRunQuery responses per query text.
	QueryStats map[string]bqclient.JobStatistics

	// MaxRowsPerExtractFile splits extract output; zero means one file.
	MaxRowsPerExtractFile int
}

// NewService builds an empty fake. The store backs load sources and
// extract destinations; it may be nil when only table operations are used.
func NewService(store *stagingfs.Store) *Service {
	return &Service{
		store:        store,
		tables:       make(map[string]*tableState),
		datasets:     make(map[string]string),
		jobs:         make(map[string]bqclient.Job),
		failNext:     make(map[string]int),
		loseNext:     make(map[string]int),
		QueryResults: make(map[string][]model.Row),
		QuerySchemas: make(map[string]bigquery.Schema),
		QueryStats:   make(map[string]bqclient.JobStatistics),
	}
}

// FailNext makes the next n submitted jobs whose id starts with prefix
// report FAILED without side effects.
func (s *Service) FailNext(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[prefix] += n
}

// LoseNext makes the next n submitted jobs whose id starts with prefix
// vanish: submission appears to succeed but polling finds no job record.
func (s *Service) LoseNext(prefix string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loseNext[prefix] += n
}

// SubmittedJobs returns every submission seen so far, in order.
func (s *Service) SubmittedJobs() []SubmittedJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SubmittedJob, len(s.log))
	copy(out, s.log)
	return out
}

// HasTable reports whether the table currently exists.
func (s *Service) HasTable(ref model.TableReference) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[ref.String()]
	return ok
}

// TableRows returns a copy of the table's rows in insertion order.
func (s *Service) TableRows(ref model.TableReference) []model.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[ref.String()]
	if !ok {
		return nil
	}
	out := make([]model.Row, len(table.rows))
	copy(out, table.rows)
	return out
}

// SeedTable installs a table with the given schema and rows.
func (s *Service) SeedTable(ref model.TableReference, schema bigquery.Schema, rows []model.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[ref.String()] = &tableState{
		schema:    schema,
		rows:      append([]model.Row(nil), rows...),
		insertIDs: make(map[string]struct{}),
		numBytes:  int64(len(rows)) * 100,
	}
}

// HasDataset reports whether the dataset currently exists.
func (s *Service) HasDataset(projectID, datasetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.datasets[projectID+"."+datasetID]
	return ok
}

func (s *Service) GetTable(ctx context.Context, ref model.TableReference) (bqclient.TableMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[ref.String()]
	if !ok {
		return bqclient.TableMetadata{}, fmt.Errorf("table %s: %w", ref, bqclient.ErrTableNotFound)
	}
	return bqclient.TableMetadata{
		Ref:         ref,
		Schema:      table.schema,
		Description: table.description,
		Location:    table.location,
		NumRows:     uint64(len(table.rows)),
		NumBytes:    table.numBytes,
	}, nil
}

func (s *Service) CreateTable(ctx context.Context, ref model.TableReference, schema bigquery.Schema, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[ref.String()]; ok {
		return fmt.Errorf("table %s already exists", ref)
	}
	s.tables[ref.String()] = &tableState{
		schema:      schema,
		description: description,
		location:    s.datasets[ref.ProjectID+"."+ref.DatasetID],
		insertIDs:   make(map[string]struct{}),
	}
	return nil
}

func (s *Service) DeleteTable(ctx context.Context, ref model.TableReference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[ref.String()]; !ok {
		return fmt.Errorf("table %s: %w", ref, bqclient.ErrTableNotFound)
	}
	delete(s.tables, ref.String())
	return nil
}

func (s *Service) CreateDataset(ctx context.Context, projectID, datasetID, location, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectID + "." + datasetID
	if _, ok := s.datasets[key]; ok {
		return fmt.Errorf("dataset %s already exists", key)
	}
	s.datasets[key] = location
	return nil
}

func (s *Service) DeleteDataset(ctx context.Context, projectID, datasetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := projectID + "." + datasetID
	if _, ok := s.datasets[key]; !ok {
		return fmt.Errorf("dataset %s not found", key)
	}
	delete(s.datasets, key)
	return nil
}

func (s *Service) IsTableEmpty(ctx context.Context, ref model.TableReference) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[ref.String()]
	if !ok {
		return false, fmt.Errorf("table %s: %w", ref, bqclient.ErrTableNotFound)
	}
	return len(table.rows) == 0, nil
}

func (s *Service) InsertAll(ctx context.Context, ref model.TableReference, rows []model.Row, uniqueIDs []string) (int64, error) {
	if len(rows) != len(uniqueIDs) {
		return 0, fmt.Errorf("got %d rows but %d insert ids", len(rows), len(uniqueIDs))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[ref.String()]
	if !ok {
		return 0, fmt.Errorf("table %s: %w", ref, bqclient.ErrTableNotFound)
	}
	var bytesWritten int64
	for i, row := range rows {
		if _, seen := table.insertIDs[uniqueIDs[i]]; seen {
			continue
		}
		table.insertIDs[uniqueIDs[i]] = struct{}{}
		table.rows = append(table.rows, row)
		encoded, err := jsonc.Marshal(row)
		if err != nil {
			return bytesWritten, fmt.Errorf("failed to encode row: %w", err)
		}
		bytesWritten += int64(len(encoded))
		table.numBytes += int64(len(encoded))
	}
	return bytesWritten, nil
}

func (s *Service) PatchTableDescription(ctx context.Context, ref model.TableReference, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, ok := s.tables[ref.String()]
	if !ok {
		return fmt.Errorf("table %s: %w", ref, bqclient.ErrTableNotFound)
	}
	table.description = description
	return nil
}
