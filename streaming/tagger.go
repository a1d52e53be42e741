// Package streaming implements the low-latency write path: rows are
// tagged with dedup ids and a random shard, redistributed by the host
// engine, and streamed into BigQuery in per-table batches with
// best-effort server-side duplicate suppression.
package streaming

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/bqio/bqio/internal"
	"github.com/bqio/bqio/model"
)

// TableFunc maps the current processing window to a destination table
// spec (`[project:]dataset.table`). It must be deterministic per window.
type TableFunc func(window time.Time) string

// Tagger assigns each row a unique insert id and a random shard. The host
// engine MUST place a redistribution/checkpoint barrier between tagging
// and insertion: once a tagged row is durably past the barrier, a retry
// of the tagging step cannot mint it a different id, which is what makes
// the dedup ids meaningful.
type Tagger struct {
	projectID    string
	tableSpec    string
	tableFunc    TableFunc
	shards       int
	sessionToken string
	sequenceNo   uint64
}

// NewTagger builds a tagger for either a static destination table or a
// per-window table function; exactly one must be set. A destination
// without a project is defaulted to the pipeline's project.
func NewTagger(projectID string, table *model.TableReference, tableFunc TableFunc) (*Tagger, error) {
	if (table == nil) == (tableFunc == nil) {
		return nil, fmt.Errorf("exactly one of table or tableFunc must be set")
	}
	t := &Tagger{
		projectID: projectID,
		tableFunc: tableFunc,
		shards:    internal.StreamingShards(),
	}
	if table != nil {
		t.tableSpec = table.WithDefaultProject(projectID).String()
	}
	t.StartBatch()
	return t, nil
}

// StartBatch begins a new batch: a fresh session token and a sequence
// counter reset to zero. Generating one random token per batch instead of
// one per row keeps tagging cheap.
func (t *Tagger) StartBatch() {
	t.sessionToken = uuid.NewString()
	t.sequenceNo = 0
}

// Tag assigns the row its unique id and shard.
func (t *Tagger) Tag(row model.Row, window time.Time) (model.ShardedKey, model.RowDedupRecord, error) {
	uniqueID := t.sessionToken + strconv.FormatUint(t.sequenceNo, 10)
	t.sequenceNo++

	tableSpec := t.tableSpec
	if t.tableFunc != nil {
		ref, err := model.ParseTableSpec(t.tableFunc(window))
		if err != nil {
			return model.ShardedKey{}, model.RowDedupRecord{}, err
		}
		tableSpec = ref.WithDefaultProject(t.projectID).String()
	}

	key := model.ShardedKey{Key: tableSpec, ShardNumber: rand.IntN(t.shards)}
	return key, model.RowDedupRecord{Row: row, UniqueID: uniqueID}, nil
}
