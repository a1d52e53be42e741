package extract

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/hamba/avro/v2/ocf"
	"github.com/shopspring/decimal"

	"github.com/bqio/bqio/model"
)

// FileSource reads one extracted Avro file, decoding its records into
// rows using the snapshotted table's schema. Each file is an independent
// unit of parallelism.
type FileSource struct {
	store  interface {
		NewReader(ctx context.Context, path string) (io.ReadCloser, error)
	}
	path   string
	schema bigquery.Schema
}

func (f *FileSource) Path() string {
	return f.path
}

// Open starts reading the file from the beginning.
func (f *FileSource) Open(ctx context.Context) (*Reader, error) {
	rc, err := f.store.NewReader(ctx, f.path)
	if err != nil {
		return nil, err
	}
	dec, err := ocf.NewDecoder(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to open Avro file %s: %w", f.path, err)
	}
	return &Reader{rc: rc, dec: dec, schema: f.schema, path: f.path}, nil
}

// Reader iterates the rows of one snapshot file.
type Reader struct {
	rc     io.ReadCloser
	dec    *ocf.Decoder
	schema bigquery.Schema
	path   string
	row    model.Row
	err    error
}

func (r *Reader) Next() bool {
	if r.err != nil || !r.dec.HasNext() {
		return false
	}
	var record map[string]any
	if err := r.dec.Decode(&record); err != nil {
		r.err = fmt.Errorf("failed to decode record from %s: %w", r.path, err)
		return false
	}
	row, err := rowFromAvro(r.schema, record)
	if err != nil {
		r.err = fmt.Errorf("failed to convert record from %s: %w", r.path, err)
		return false
	}
	r.row = row
	return true
}

func (r *Reader) Row() model.Row {
	return r.row
}

func (r *Reader) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.dec.Error()
}

func (r *Reader) Close() error {
	return r.rc.Close()
}

func schemaField(schema bigquery.Schema, name string) *bigquery.FieldSchema {
	for _, field := range schema {
		if field.Name == name {
			return field
		}
	}
	return nil
}

func rowFromAvro(schema bigquery.Schema, fields map[string]any) (model.Row, error) {
	row := make(model.Row, len(schema))
	for _, field := range schema {
		value, err := valueFromAvro(field, fields[field.Name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		row[field.Name] = value
	}
	return row, nil
}

func valueFromAvro(field *bigquery.FieldSchema, v any) (bigquery.Value, error) {
	if v == nil {
		return nil, nil
	}
	// Nullable columns export as Avro unions, which decode into a
	// single-entry map keyed by the branch name.
	if m, ok := v.(map[string]any); ok && len(m) == 1 && field.Type != bigquery.RecordFieldType {
		for _, branch := range m {
			v = branch
		}
		if v == nil {
			return nil, nil
		}
	}
	if field.Repeated {
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		element := *field
		element.Repeated = false
		values := make([]bigquery.Value, len(items))
		for i, item := range items {
			converted, err := valueFromAvro(&element, item)
			if err != nil {
				return nil, err
			}
			values[i] = converted
		}
		return values, nil
	}

	switch field.Type {
	case bigquery.StringFieldType, bigquery.GeographyFieldType, bigquery.JSONFieldType:
		return v, nil
	case bigquery.BytesFieldType:
		return v, nil
	case bigquery.IntegerFieldType:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int32:
			return int64(n), nil
		case int:
			return int64(n), nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case bigquery.FloatFieldType:
		if f, ok := v.(float64); ok {
			return f, nil
		}
		return nil, fmt.Errorf("expected float, got %T", v)
	case bigquery.BooleanFieldType:
		return v, nil
	case bigquery.TimestampFieldType:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
		return nil, fmt.Errorf("expected timestamp, got %T", v)
	case bigquery.DateFieldType:
		if t, ok := v.(time.Time); ok {
			return civil.DateOf(t.UTC()), nil
		}
		return nil, fmt.Errorf("expected date, got %T", v)
	case bigquery.TimeFieldType:
		if d, ok := v.(time.Duration); ok {
			return civil.TimeOf(time.Unix(0, 0).UTC().Add(d)), nil
		}
		return nil, fmt.Errorf("expected time, got %T", v)
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		if rat, ok := v.(*big.Rat); ok {
			return decimal.NewFromBigRat(rat, 9), nil
		}
		return nil, fmt.Errorf("expected decimal, got %T", v)
	case bigquery.RecordFieldType:
		nested, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected record, got %T", v)
		}
		// A nullable record is a union too, wrapped in a single-entry map
		// keyed by the record's Avro name rather than by a field name.
		if len(nested) == 1 {
			for key, branch := range nested {
				if schemaField(field.Schema, key) == nil {
					inner, ok := branch.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("expected record, got %T", branch)
					}
					nested = inner
				}
			}
		}
		return rowFromAvro(field.Schema, nested)
	default:
		return nil, fmt.Errorf("unsupported BigQuery field type: %s", field.Type)
	}
}
