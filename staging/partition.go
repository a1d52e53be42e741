package staging

import (
	"context"

	"github.com/google/uuid"

	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

// Partition is a size- and count-bounded group of staged files destined
// for one load job.
type Partition struct {
	ID    int64
	Files []model.StagedFile
}

// Plan is the outcome of partitioning: either the single partition writes
// straight to the destination table, or every partition must land in a
// temporary table first and be committed by a copy job.
type Plan interface {
	isPlan()
}

// DirectWrite carries the sole partition, eligible to load directly into
// the destination table.
type DirectWrite struct {
	Partition Partition
}

// StagedWrite carries multiple partitions which must go through temp tables.
type StagedWrite struct {
	Partitions []Partition
}

func (DirectWrite) isPlan() {}
func (StagedWrite) isPlan() {}

// PartitionFiles greedily bins staged files in input order: when adding
// the next file would exceed maxFiles or maxBytes, the current partition
// is emitted and a fresh one started. A file that alone exceeds maxBytes
// still occupies exactly one partition; files are never split.
//
// An empty input synthesizes one empty staged file so that a destination
// table is still created or truncated when there are zero input rows.
func PartitionFiles(
	ctx context.Context,
	store *stagingfs.Store,
	files []model.StagedFile,
	maxFiles int,
	maxBytes int64,
) (Plan, error) {
	if len(files) == 0 {
		writer := NewRowWriter(store)
		if err := writer.Open(ctx, uuid.NewString()); err != nil {
			return nil, err
		}
		empty, err := writer.Close()
		if err != nil {
			return nil, err
		}
		files = []model.StagedFile{empty}
	}

	var partitions []Partition
	var current []model.StagedFile
	var currentBytes int64
	nextID := int64(1)

	for _, file := range files {
		if len(current) > 0 &&
			(len(current)+1 > maxFiles || currentBytes+file.ByteCount > maxBytes) {
			partitions = append(partitions, Partition{ID: nextID, Files: current})
			nextID++
			current = nil
			currentBytes = 0
		}
		current = append(current, file)
		currentBytes += file.ByteCount
	}
	partitions = append(partitions, Partition{ID: nextID, Files: current})

	if len(partitions) == 1 {
		return DirectWrite{Partition: partitions[0]}, nil
	}
	return StagedWrite{Partitions: partitions}, nil
}
