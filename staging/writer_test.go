package staging

import (
	"io"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"

	"github.com/bqio/bqio/model"
)

func TestRowWriter(t *testing.T) {
	store := testStore(t)

	writer := NewRowWriter(store)
	require.NoError(t, writer.Open(t.Context(), "batch-1"))

	rows := []model.Row{
		{"id": int64(1), "name": "alpha"},
		{"id": int64(2), "name": "beta"},
	}
	for _, row := range rows {
		require.NoError(t, writer.Write(row))
	}
	file, err := writer.Close()
	require.NoError(t, err)
	require.Equal(t, store.Path("batch-1"), file.Path)

	rc, err := store.NewReader(t.Context(), file.Path)
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)

	// The byte count is exact and the file is one JSON object per line.
	require.EqualValues(t, len(content), file.ByteCount)
	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	require.Len(t, lines, len(rows))
	for i, line := range lines {
		var decoded map[string]any
		require.NoError(t, jsoniter.Unmarshal([]byte(line), &decoded))
		require.Equal(t, rows[i]["name"], decoded["name"])
	}
}

func TestRowWriterZeroRows(t *testing.T) {
	store := testStore(t)

	writer := NewRowWriter(store)
	require.NoError(t, writer.Open(t.Context(), "empty"))
	file, err := writer.Close()
	require.NoError(t, err)

	require.EqualValues(t, 0, file.ByteCount)
	exists, err := store.Exists(t.Context(), file.Path)
	require.NoError(t, err)
	require.True(t, exists)
}
