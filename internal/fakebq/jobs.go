package fakebq

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/hamba/avro/v2/ocf"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/model"
)

func (s *Service) SubmitLoad(ctx context.Context, ref model.JobReference, config bqclient.LoadConfig) error {
	return s.runJob(ctx, ref, "load", func(ctx context.Context) (bqclient.JobStatistics, error) {
		rows, err := s.readStagedRows(ctx, config.Schema, config.SourceURIs)
		if err != nil {
			return bqclient.JobStatistics{}, err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return bqclient.JobStatistics{}, s.writeRowsLocked(config.DestinationTable, config.Schema, rows,
			config.WriteDisposition, config.CreateDisposition)
	})
}

func (s *Service) SubmitCopy(ctx context.Context, ref model.JobReference, config bqclient.CopyConfig) error {
	return s.runJob(ctx, ref, "copy", func(ctx context.Context) (bqclient.JobStatistics, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var rows []model.Row
		var schema bigquery.Schema
		for _, source := range config.SourceTables {
			table, ok := s.tables[source.String()]
			if !ok {
				return bqclient.JobStatistics{}, fmt.Errorf("source table %s not found", source)
			}
			schema = table.schema
			rows = append(rows, table.rows...)
		}
		return bqclient.JobStatistics{}, s.writeRowsLocked(config.DestinationTable, schema, rows,
			config.WriteDisposition, config.CreateDisposition)
	})
}

func (s *Service) SubmitExtract(ctx context.Context, ref model.JobReference, config bqclient.ExtractConfig) error {
	return s.runJob(ctx, ref, "extract", func(ctx context.Context) (bqclient.JobStatistics, error) {
		s.mu.Lock()
		table, ok := s.tables[config.SourceTable.String()]
		if !ok {
			s.mu.Unlock()
			return bqclient.JobStatistics{}, fmt.Errorf("source table %s not found", config.SourceTable)
		}
		schema := table.schema
		rows := append([]model.Row(nil), table.rows...)
		perFile := s.MaxRowsPerExtractFile
		s.mu.Unlock()

		fileCount, err := s.writeExtractFiles(ctx, config.DestinationURI, schema, rows, perFile)
		if err != nil {
			return bqclient.JobStatistics{}, err
		}
		return bqclient.JobStatistics{DestinationURIFileCounts: []int64{fileCount}}, nil
	})
}

func (s *Service) SubmitQuery(ctx context.Context, ref model.JobReference, config bqclient.QueryConfig) error {
	return s.runJob(ctx, ref, "query", func(ctx context.Context) (bqclient.JobStatistics, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, ok := s.QueryResults[config.Query]
		if !ok {
			return bqclient.JobStatistics{}, fmt.Errorf("no scripted result for query %q", config.Query)
		}
		return bqclient.JobStatistics{}, s.writeRowsLocked(config.DestinationTable, s.QuerySchemas[config.Query],
			rows, config.WriteDisposition, config.CreateDisposition)
	})
}

func (s *Service) PollJob(ctx context.Context, ref model.JobReference, maxRetries int) (bqclient.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[ref.JobID]
	if !ok {
		// No record of the job. The real service answers 404 here.
		return bqclient.Job{Ref: ref, Status: model.StatusUnknown, Diagnostic: "job not found"}, nil
	}
	return job, nil
}

func (s *Service) DryRunQuery(ctx context.Context, projectID string, config bqclient.QueryConfig) (bqclient.JobStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.QueryResults[config.Query]; !ok {
		return bqclient.JobStatistics{}, fmt.Errorf("no scripted result for query %q", config.Query)
	}
	return s.QueryStats[config.Query], nil
}

// runJob applies the scripted failure plan, executes the job body, and
// records the terminal job for PollJob. Failed attempts have no side
// effects.
func (s *Service) runJob(
	ctx context.Context,
	ref model.JobReference,
	kind string,
	execute func(ctx context.Context) (bqclient.JobStatistics, error),
) error {
	s.mu.Lock()
	if _, ok := s.jobs[ref.JobID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s already exists", ref.JobID)
	}
	if s.consumeLocked(s.loseNext, ref.JobID) {
		s.log = append(s.log, SubmittedJob{Ref: ref, Kind: kind, Status: model.StatusUnknown})
		s.mu.Unlock()
		return nil
	}
	if s.consumeLocked(s.failNext, ref.JobID) {
		job := bqclient.Job{Ref: ref, Status: model.StatusFailed, Diagnostic: "injected failure"}
		s.jobs[ref.JobID] = job
		s.log = append(s.log, SubmittedJob{Ref: ref, Kind: kind, Status: job.Status, Diagnostic: job.Diagnostic})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	job := bqclient.Job{Ref: ref, Status: model.StatusSucceeded}
	stats, err := execute(ctx)
	if err != nil {
		job.Status = model.StatusFailed
		job.Diagnostic = err.Error()
	}
	job.Statistics = stats

	s.mu.Lock()
	s.jobs[ref.JobID] = job
	s.log = append(s.log, SubmittedJob{Ref: ref, Kind: kind, Status: job.Status, Diagnostic: job.Diagnostic})
	s.mu.Unlock()
	return nil
}

func (s *Service) consumeLocked(plan map[string]int, jobID string) bool {
	for prefix, n := range plan {
		if n > 0 && strings.HasPrefix(jobID, prefix) {
			plan[prefix] = n - 1
			return true
		}
	}
	return false
}

// writeRowsLocked applies a terminal write to the destination under the
// given dispositions. Caller holds s.mu.
func (s *Service) writeRowsLocked(
	destination model.TableReference,
	schema bigquery.Schema,
	rows []model.Row,
	writeDisposition bqclient.WriteDisposition,
	createDisposition bqclient.CreateDisposition,
) error {
	table, ok := s.tables[destination.String()]
	if !ok {
		if createDisposition == bqclient.CreateNever {
			return fmt.Errorf("table %s not found and create disposition is CREATE_NEVER", destination)
		}
		table = &tableState{
			schema:    schema,
			location:  s.datasets[destination.ProjectID+"."+destination.DatasetID],
			insertIDs: make(map[string]struct{}),
		}
		s.tables[destination.String()] = table
	}

	switch writeDisposition {
	case bqclient.WriteEmpty:
		if len(table.rows) > 0 {
			return fmt.Errorf("table %s is not empty and write disposition is WRITE_EMPTY", destination)
		}
	case bqclient.WriteTruncate:
		table.rows = nil
	case bqclient.WriteAppend:
	default:
		return fmt.Errorf("unsupported write disposition %q", writeDisposition)
	}
	table.rows = append(table.rows, rows...)
	table.numBytes += int64(len(rows)) * 100
	return nil
}

// readStagedRows decodes newline-delimited JSON staged files, coercing
// values back to the column types named by the schema.
func (s *Service) readStagedRows(ctx context.Context, schema bigquery.Schema, uris []string) ([]model.Row, error) {
	var rows []model.Row
	for _, uri := range uris {
		rc, err := s.store.NewReader(ctx, uri)
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var raw map[string]any
			if err := jsonc.Unmarshal(scanner.Bytes(), &raw); err != nil {
				rc.Close()
				return nil, fmt.Errorf("failed to decode staged row in %s: %w", uri, err)
			}
			row, err := coerceRow(schema, raw)
			if err != nil {
				rc.Close()
				return nil, fmt.Errorf("staged row in %s: %w", uri, err)
			}
			rows = append(rows, row)
		}
		if err := scanner.Err(); err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to read staged file %s: %w", uri, err)
		}
		if err := rc.Close(); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func coerceRow(schema bigquery.Schema, raw map[string]any) (model.Row, error) {
	if schema == nil {
		row := make(model.Row, len(raw))
		for name, value := range raw {
			row[name] = value
		}
		return row, nil
	}
	row := make(model.Row, len(schema))
	for _, field := range schema {
		value, err := coerceValue(field, raw[field.Name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		row[field.Name] = value
	}
	return row, nil
}

func coerceValue(field *bigquery.FieldSchema, v any) (bigquery.Value, error) {
	if v == nil {
		return nil, nil
	}
	switch field.Type {
	case bigquery.IntegerFieldType:
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case bigquery.FloatFieldType:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case bigquery.TimestampFieldType:
		if str, ok := v.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, str)
			if err != nil {
				return nil, err
			}
			return t.UTC(), nil
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("cannot coerce %T to %s", v, field.Type)
}

// writeExtractFiles renders rows into Avro object container files under
// the wildcard destination pattern, perFile rows per file.
func (s *Service) writeExtractFiles(
	ctx context.Context,
	destinationURI string,
	schema bigquery.Schema,
	rows []model.Row,
	perFile int,
) (int64, error) {
	if !strings.HasSuffix(destinationURI, "/*.avro") {
		return 0, fmt.Errorf("unsupported destination uri pattern %s", destinationURI)
	}
	if perFile <= 0 {
		perFile = len(rows)
	}
	avroSchema, err := avroSchemaJSON(schema)
	if err != nil {
		return 0, err
	}

	fileCount := int64(0)
	for start := 0; ; start += perFile {
		end := min(start+perFile, len(rows))
		path := strings.TrimSuffix(destinationURI, "*.avro") + fmt.Sprintf("%012d.avro", fileCount)
		if err := s.writeAvroFile(ctx, path, avroSchema, schema, rows[start:end]); err != nil {
			return 0, err
		}
		fileCount++
		if end >= len(rows) {
			break
		}
	}
	return fileCount, nil
}

func (s *Service) writeAvroFile(
	ctx context.Context,
	path string,
	avroSchema string,
	schema bigquery.Schema,
	rows []model.Row,
) error {
	w, err := s.store.NewWriter(ctx, path)
	if err != nil {
		return err
	}
	enc, err := ocf.NewEncoder(avroSchema, w)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to open Avro encoder for %s: %w", path, err)
	}
	for _, row := range rows {
		record := make(map[string]any, len(row))
		for name, value := range row {
			record[name] = value
		}
		if err := enc.Encode(record); err != nil {
			w.Close()
			return fmt.Errorf("failed to encode Avro record in %s: %w", path, err)
		}
	}
	if err := enc.Close(); err != nil {
		w.Close()
		return fmt.Errorf("failed to finish Avro file %s: %w", path, err)
	}
	return w.Close()
}

// avroSchemaJSON derives the export file schema the way table snapshots
// are written: one record whose fields mirror the table columns.
func avroSchemaJSON(schema bigquery.Schema) (string, error) {
	fields := make([]string, len(schema))
	for i, field := range schema {
		var avroType string
		switch field.Type {
		case bigquery.StringFieldType:
			avroType = `"string"`
		case bigquery.BytesFieldType:
			avroType = `"bytes"`
		case bigquery.IntegerFieldType:
			avroType = `"long"`
		case bigquery.FloatFieldType:
			avroType = `"double"`
		case bigquery.BooleanFieldType:
			avroType = `"boolean"`
		case bigquery.TimestampFieldType:
			avroType = `{"type":"long","logicalType":"timestamp-micros"}`
		default:
			return "", fmt.Errorf("unsupported extract field type %s", field.Type)
		}
		fields[i] = fmt.Sprintf(`{"name":%q,"type":%s}`, field.Name, avroType)
	}
	return fmt.Sprintf(`{"type":"record","name":"Root","fields":[%s]}`, strings.Join(fields, ",")), nil
}
