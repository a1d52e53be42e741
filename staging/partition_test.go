package staging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

func testStore(t *testing.T) *stagingfs.Store {
	t.Helper()
	store, err := stagingfs.OpenDir(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func namedFiles(sizes ...int64) []model.StagedFile {
	files := make([]model.StagedFile, len(sizes))
	for i, size := range sizes {
		files[i] = model.StagedFile{Path: fmt.Sprintf("/staging/file-%03d", i), ByteCount: size}
	}
	return files
}

func allPartitions(plan Plan) []Partition {
	switch p := plan.(type) {
	case DirectWrite:
		return []Partition{p.Partition}
	case StagedWrite:
		return p.Partitions
	}
	return nil
}

func TestPartitionFiles(t *testing.T) {
	tests := []struct {
		name          string
		files         []model.StagedFile
		maxFiles      int
		maxBytes      int64
		expectedSizes []int
	}{
		{
			name:          "single file",
			files:         namedFiles(10),
			maxFiles:      10,
			maxBytes:      1000,
			expectedSizes: []int{1},
		},
		{
			name:          "file count cap",
			files:         namedFiles(1, 1, 1, 1, 1),
			maxFiles:      2,
			maxBytes:      1000,
			expectedSizes: []int{2, 2, 1},
		},
		{
			name:          "byte cap",
			files:         namedFiles(60, 60, 60),
			maxFiles:      10,
			maxBytes:      100,
			expectedSizes: []int{1, 1, 1},
		},
		{
			name:          "byte cap packs up to the boundary",
			files:         namedFiles(50, 50, 50),
			maxFiles:      10,
			maxBytes:      100,
			expectedSizes: []int{2, 1},
		},
		{
			name:          "oversized file occupies one partition",
			files:         namedFiles(10, 5000, 10),
			maxFiles:      10,
			maxBytes:      100,
			expectedSizes: []int{1, 1, 1},
		},
		{
			name:          "oversized first file",
			files:         namedFiles(5000, 10),
			maxFiles:      10,
			maxBytes:      100,
			expectedSizes: []int{1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PartitionFiles(t.Context(), testStore(t), tt.files, tt.maxFiles, tt.maxBytes)
			require.NoError(t, err)

			partitions := allPartitions(plan)
			require.Len(t, partitions, len(tt.expectedSizes))
			if len(partitions) == 1 {
				require.IsType(t, DirectWrite{}, plan)
			} else {
				require.IsType(t, StagedWrite{}, plan)
			}

			// Every input file lands in exactly one partition, in order, and
			// partition ids increase from 1.
			var flattened []model.StagedFile
			for i, partition := range partitions {
				require.Equal(t, int64(i+1), partition.ID)
				require.Len(t, partition.Files, tt.expectedSizes[i])
				require.LessOrEqual(t, len(partition.Files), tt.maxFiles)
				flattened = append(flattened, partition.Files...)
			}
			require.Equal(t, tt.files, flattened)
		})
	}
}

func TestPartitionFilesEmptyInput(t *testing.T) {
	store := testStore(t)

	plan, err := PartitionFiles(t.Context(), store, nil, 10, 1000)
	require.NoError(t, err)

	// Zero input rows still produce one loadable partition, backed by a
	// real empty staged file, so the destination table gets created or
	// truncated as requested.
	direct, ok := plan.(DirectWrite)
	require.True(t, ok)
	require.Len(t, direct.Partition.Files, 1)

	file := direct.Partition.Files[0]
	require.EqualValues(t, 0, file.ByteCount)
	exists, err := store.Exists(t.Context(), file.Path)
	require.NoError(t, err)
	require.True(t, exists)
}
