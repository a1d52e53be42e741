package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"cloud.google.com/go/bigquery"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/logger"
	"github.com/bqio/bqio/model"
)

// TableCache remembers tables known to already exist so parallel writers
// do not hammer the table service with redundant existence checks and
// creation calls. It is an optimization only: existence is re-verified
// against the remote service under the creation lock before any create.
type TableCache struct {
	createMu sync.Mutex
	tables   cmap.ConcurrentMap[string, struct{}]
}

func NewTableCache() *TableCache {
	return &TableCache{tables: cmap.New[struct{}]()}
}

// Clear forgets all cached tables. Used between test runs.
func (c *TableCache) Clear() {
	c.tables.Clear()
}

// Inserter buffers tagged rows per destination table for the duration of
// one processing batch and flushes each table's buffer with a single
// streaming insert call at batch end.
type Inserter struct {
	tableClient       bqclient.TableClient
	cache             *TableCache
	schema            bigquery.Schema
	createDisposition bqclient.CreateDisposition
	tableDescription  string
	buffers           map[string][]model.RowDedupRecord
	byteCounter       metric.Int64Counter
}

func NewInserter(
	tableClient bqclient.TableClient,
	cache *TableCache,
	schema bigquery.Schema,
	createDisposition bqclient.CreateDisposition,
	tableDescription string,
) *Inserter {
	meter := otel.Meter("github.com/bqio/bqio/streaming")
	byteCounter, err := meter.Int64Counter("bqio.streaming.inserted_bytes",
		metric.WithDescription("Bytes written through the streaming insert API"))
	if err != nil {
		byteCounter = nil
	}
	return &Inserter{
		tableClient:       tableClient,
		cache:             cache,
		schema:            schema,
		createDisposition: createDisposition,
		tableDescription:  tableDescription,
		buffers:           make(map[string][]model.RowDedupRecord),
		byteCounter:       byteCounter,
	}
}

// StartBatch discards buffered state and begins a new batch.
func (ins *Inserter) StartBatch() {
	ins.buffers = make(map[string][]model.RowDedupRecord)
}

// Add buffers one tagged row under its destination table.
func (ins *Inserter) Add(key model.ShardedKey, record model.RowDedupRecord) {
	ins.buffers[key.Key] = append(ins.buffers[key.Key], record)
}

// FinishBatch flushes every buffered table: ensure the table exists, then
// issue one streaming insert call carrying the rows and their unique ids.
func (ins *Inserter) FinishBatch(ctx context.Context) error {
	log := logger.LoggerFromCtx(ctx)
	for tableSpec, records := range ins.buffers {
		ref, err := ins.getOrCreateTable(ctx, tableSpec)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		rows := make([]model.Row, len(records))
		uniqueIDs := make([]string, len(records))
		for i, record := range records {
			rows[i] = record.Row
			uniqueIDs[i] = record.UniqueID
		}
		bytesWritten, err := ins.tableClient.InsertAll(ctx, ref, rows, uniqueIDs)
		if err != nil {
			return err
		}
		if ins.byteCounter != nil {
			ins.byteCounter.Add(ctx, bytesWritten)
		}
		log.Debug("flushed streaming batch",
			slog.String("table", tableSpec),
			slog.Int("rows", len(rows)),
			slog.Int64("bytes", bytesWritten))
	}
	ins.buffers = make(map[string][]model.RowDedupRecord)
	return nil
}

// getOrCreateTable ensures the destination exists, creating it from the
// configured schema when allowed. The double check under the lock keeps
// one writer from creating while another just did; the cache is never
// trusted over the remote existence check.
func (ins *Inserter) getOrCreateTable(ctx context.Context, tableSpec string) (model.TableReference, error) {
	ref, err := model.ParseTableSpec(tableSpec)
	if err != nil {
		return model.TableReference{}, err
	}
	if ins.createDisposition == bqclient.CreateNever || ins.cache.tables.Has(tableSpec) {
		return ref, nil
	}

	ins.cache.createMu.Lock()
	defer ins.cache.createMu.Unlock()
	if ins.cache.tables.Has(tableSpec) {
		return ref, nil
	}
	if _, err := ins.tableClient.GetTable(ctx, ref); err != nil {
		if !errors.Is(err, bqclient.ErrTableNotFound) {
			return model.TableReference{}, err
		}
		if err := ins.tableClient.CreateTable(ctx, ref, ins.schema, ins.tableDescription); err != nil {
			return model.TableReference{}, fmt.Errorf("failed to create streaming destination %s: %w", tableSpec, err)
		}
	}
	ins.cache.tables.Set(tableSpec, struct{}{})
	return ref, nil
}
