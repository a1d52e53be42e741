package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTableSpec(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		expected TableReference
	}{
		{
			name:     "fully qualified",
			spec:     "my-project:dataset_1.table_1",
			expected: TableReference{ProjectID: "my-project", DatasetID: "dataset_1", TableID: "table_1"},
		},
		{
			name:     "without project",
			spec:     "dataset_1.table_1",
			expected: TableReference{DatasetID: "dataset_1", TableID: "table_1"},
		},
		{
			name:     "domain scoped project",
			spec:     "example.com:project.dataset.table",
			expected: TableReference{ProjectID: "example.com", DatasetID: "project.dataset", TableID: "table"},
		},
		{
			name:     "table decorators",
			spec:     "project-1:dataset.events$20260101",
			expected: TableReference{ProjectID: "project-1", DatasetID: "dataset", TableID: "events$20260101"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseTableSpec(tt.spec)
			require.NoError(t, err)
			require.Equal(t, tt.expected, ref)
			// Formatting a parsed reference gives back the input.
			require.Equal(t, tt.spec, ref.String())
		})
	}
}

func TestParseTableSpecInvalid(t *testing.T) {
	specs := []string{
		"",
		"table_only",
		"project:dataset",
		"dataset.",
		".table",
		"bad project:dataset.table",
	}
	for _, spec := range specs {
		_, err := ParseTableSpec(spec)
		require.Error(t, err, "spec %q", spec)
	}
}

func TestWithDefaultProject(t *testing.T) {
	ref, err := ParseTableSpec("dataset.table")
	require.NoError(t, err)

	defaulted := ref.WithDefaultProject("my-project")
	require.Equal(t, "my-project:dataset.table", defaulted.String())

	// An explicit project is never overridden.
	explicit, err := ParseTableSpec("other-project:dataset.table")
	require.NoError(t, err)
	require.Equal(t, "other-project:dataset.table", explicit.WithDefaultProject("my-project").String())
}
