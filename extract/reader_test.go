package extract

import (
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/bqio/bqio/model"
)

func TestRowFromAvroNullableNestedRecord(t *testing.T) {
	schema := bigquery.Schema{
		{Name: "s", Type: bigquery.StringFieldType},
		{Name: "r", Type: bigquery.RecordFieldType, Schema: bigquery.Schema{
			{Name: "x", Type: bigquery.IntegerFieldType},
			{Name: "y", Type: bigquery.StringFieldType},
		}},
	}

	// A nullable record column decodes as a union: the record map arrives
	// wrapped in a single-entry map keyed by the record's Avro name, with
	// its own nullable fields union-wrapped as well.
	fields := map[string]any{
		"s": "hi",
		"r": map[string]any{"inner_record": map[string]any{
			"x": int64(42),
			"y": map[string]any{"string": "nested"},
		}},
	}
	row, err := rowFromAvro(schema, fields)
	require.NoError(t, err)
	require.Equal(t, model.Row{
		"s": "hi",
		"r": model.Row{"x": int64(42), "y": "nested"},
	}, row)

	// The null branch of the union.
	fields["r"] = nil
	row, err = rowFromAvro(schema, fields)
	require.NoError(t, err)
	require.Nil(t, row["r"])
}

func TestRowFromAvroSingleFieldRecordNotUnwrapped(t *testing.T) {
	schema := bigquery.Schema{
		{Name: "r", Type: bigquery.RecordFieldType, Schema: bigquery.Schema{
			{Name: "x", Type: bigquery.IntegerFieldType},
		}},
	}

	// A required one-field record is also a single-entry map, but its key
	// is a field name; it must pass through unchanged.
	row, err := rowFromAvro(schema, map[string]any{
		"r": map[string]any{"x": int64(7)},
	})
	require.NoError(t, err)
	require.Equal(t, model.Row{"r": model.Row{"x": int64(7)}}, row)
}

func TestValueFromAvroScalars(t *testing.T) {
	tv := time.Date(2026, 3, 5, 8, 30, 0, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name     string
		field    *bigquery.FieldSchema
		input    any
		expected bigquery.Value
	}{
		{
			name:     "string",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.StringFieldType},
			input:    "value",
			expected: "value",
		},
		{
			name:     "nullable string union",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.StringFieldType},
			input:    map[string]any{"string": "value"},
			expected: "value",
		},
		{
			name:     "integer from int64",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.IntegerFieldType},
			input:    int64(9),
			expected: int64(9),
		},
		{
			name:     "integer from int32",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.IntegerFieldType},
			input:    int32(9),
			expected: int64(9),
		},
		{
			name:     "float",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.FloatFieldType},
			input:    1.5,
			expected: 1.5,
		},
		{
			name:     "boolean",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.BooleanFieldType},
			input:    true,
			expected: true,
		},
		{
			name:     "bytes",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.BytesFieldType},
			input:    []byte{0x01, 0x02},
			expected: []byte{0x01, 0x02},
		},
		{
			name:     "timestamp normalized to UTC",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.TimestampFieldType},
			input:    tv,
			expected: tv.UTC(),
		},
		{
			name:     "date",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.DateFieldType},
			input:    tv,
			expected: civil.DateOf(tv.UTC()),
		},
		{
			name:     "time of day",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.TimeFieldType},
			input:    10*time.Hour + 30*time.Minute,
			expected: civil.Time{Hour: 10, Minute: 30},
		},
		{
			name:     "null",
			field:    &bigquery.FieldSchema{Name: "f", Type: bigquery.StringFieldType},
			input:    nil,
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, err := valueFromAvro(tt.field, tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.expected, value)
		})
	}
}

func TestValueFromAvroNumeric(t *testing.T) {
	field := &bigquery.FieldSchema{Name: "amount", Type: bigquery.NumericFieldType}
	rat := big.NewRat(123456789, 1000)

	value, err := valueFromAvro(field, rat)
	require.NoError(t, err)
	got, ok := value.(decimal.Decimal)
	require.True(t, ok)
	require.True(t, decimal.NewFromBigRat(rat, 9).Equal(got))
}

func TestValueFromAvroRepeated(t *testing.T) {
	field := &bigquery.FieldSchema{Name: "tags", Type: bigquery.StringFieldType, Repeated: true}

	value, err := valueFromAvro(field, []any{"a", map[string]any{"string": "b"}, nil})
	require.NoError(t, err)
	require.Equal(t, []bigquery.Value{"a", "b", nil}, value)
}

func TestValueFromAvroRepeatedRecords(t *testing.T) {
	field := &bigquery.FieldSchema{
		Name: "points", Type: bigquery.RecordFieldType, Repeated: true,
		Schema: bigquery.Schema{{Name: "x", Type: bigquery.IntegerFieldType}},
	}

	value, err := valueFromAvro(field, []any{
		map[string]any{"x": int64(1)},
		map[string]any{"x": int64(2)},
	})
	require.NoError(t, err)
	require.Equal(t, []bigquery.Value{
		model.Row{"x": int64(1)},
		model.Row{"x": int64(2)},
	}, value)
}

func TestValueFromAvroTypeMismatch(t *testing.T) {
	_, err := valueFromAvro(&bigquery.FieldSchema{Name: "f", Type: bigquery.IntegerFieldType}, "nope")
	require.ErrorContains(t, err, "expected integer")

	_, err = valueFromAvro(&bigquery.FieldSchema{Name: "f", Type: bigquery.RecordFieldType}, "nope")
	require.ErrorContains(t, err, "expected record")

	_, err = valueFromAvro(&bigquery.FieldSchema{Name: "f", Type: bigquery.IntervalFieldType}, "nope")
	require.ErrorContains(t, err, "unsupported BigQuery field type")
}
