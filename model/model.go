package model

import (
	"cloud.google.com/go/bigquery"
)

// Row is one record in transit, keyed by column name.
type Row map[string]bigquery.Value

// JobStatus classifies a terminal job state.
type JobStatus int

const (
	// StatusUnknown means the job record could not be classified, for
	// example because the job service lost track of it. It is treated as a
	// non-retryable anomaly, unlike StatusFailed.
	StatusUnknown JobStatus = iota
	StatusSucceeded
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "SUCCEEDED"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// JobReference identifies one attempt of a remote job. Job ids are never
// reused across attempts.
type JobReference struct {
	ProjectID string
	JobID     string
}

// StagedFile describes one row file produced by the staging writer.
type StagedFile struct {
	Path      string
	ByteCount int64
}

// ShardedKey fans rows out across parallel streaming writers while keeping
// per-destination-table grouping via Key.
type ShardedKey struct {
	Key         string
	ShardNumber int
}

// RowDedupRecord pairs a row with the insert id handed to the streaming
// API for server-side best-effort duplicate suppression.
type RowDedupRecord struct {
	Row      Row
	UniqueID string
}
