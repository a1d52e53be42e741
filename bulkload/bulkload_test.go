package bulkload

import (
	"fmt"
	"strings"
	"testing"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/require"

	"github.com/bqio/bqio/bqclient"
	"github.com/bqio/bqio/internal/fakebq"
	"github.com/bqio/bqio/model"
	"github.com/bqio/bqio/stagingfs"
)

var testSchema = bigquery.Schema{
	{Name: "id", Type: bigquery.IntegerFieldType},
	{Name: "name", Type: bigquery.StringFieldType},
}

func testRows(start, count int) []model.Row {
	rows := make([]model.Row, count)
	for i := range rows {
		rows[i] = model.Row{
			"id":   int64(start + i),
			"name": fmt.Sprintf("row-%06d", start+i),
		}
	}
	return rows
}

func newTestWriter(t *testing.T, config Config) (*Writer, *fakebq.Service, *stagingfs.Store) {
	t.Helper()
	store, err := stagingfs.OpenDir(t.Context(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	service := fakebq.NewService(store)
	return NewWriter(service, service, store, "proj", config), service, store
}

func successfulJobs(service *fakebq.Service, kind string) []fakebq.SubmittedJob {
	var out []fakebq.SubmittedJob
	for _, job := range service.SubmittedJobs() {
		if job.Kind == kind && job.Status == model.StatusSucceeded {
			out = append(out, job)
		}
	}
	return out
}

func TestCommitMultiPartition(t *testing.T) {
	destination := model.TableReference{ProjectID: "proj", DatasetID: "dataset", TableID: "events"}
	writer, service, store := newTestWriter(t, Config{
		Destination:          destination,
		Schema:               testSchema,
		WriteDisposition:     bqclient.WriteEmpty,
		CreateDisposition:    bqclient.CreateIfNeeded,
		TableDescription:     "bulk loaded events",
		MaxFilesPerPartition: 1,
	})

	var files []model.StagedFile
	for batch := range 5 {
		file, err := writer.StageBatch(t.Context(), testRows(batch*5000, 5000))
		require.NoError(t, err)
		files = append(files, file)
	}
	require.NoError(t, writer.Commit(t.Context(), files))

	// All rows land in the destination exactly once, in partition order.
	rows := service.TableRows(destination)
	require.Equal(t, testRows(0, 25000), rows)

	metadata, err := service.GetTable(t.Context(), destination)
	require.NoError(t, err)
	require.Equal(t, "bulk loaded events", metadata.Description)

	// One file per partition means five load jobs plus the commit copy.
	require.Len(t, successfulJobs(service, "load"), 5)
	require.Len(t, successfulJobs(service, "copy"), 1)

	// Temp tables carry the run token and are gone after commit.
	for _, job := range successfulJobs(service, "load") {
		require.True(t, strings.HasPrefix(job.Ref.JobID, writer.Token()+"_"))
	}
	for i := range 5 {
		temp := model.TableReference{
			ProjectID: "proj",
			DatasetID: "dataset",
			TableID:   fmt.Sprintf("%s_%05d", writer.Token(), i+1),
		}
		require.False(t, service.HasTable(temp), "temp table %s should be deleted", temp)
	}

	// Staged files are consumed by the load and removed.
	remaining, err := store.List(t.Context())
	require.NoError(t, err)
	require.Empty(t, remaining)
}

func TestCommitSinglePartitionLoadsDirectly(t *testing.T) {
	destination := model.TableReference{ProjectID: "proj", DatasetID: "dataset", TableID: "events"}
	writer, service, _ := newTestWriter(t, Config{
		Destination:       destination,
		Schema:            testSchema,
		WriteDisposition:  bqclient.WriteEmpty,
		CreateDisposition: bqclient.CreateIfNeeded,
	})

	file, err := writer.StageBatch(t.Context(), testRows(0, 100))
	require.NoError(t, err)
	require.NoError(t, writer.Commit(t.Context(), []model.StagedFile{file}))

	require.Equal(t, testRows(0, 100), service.TableRows(destination))

	// A single partition goes straight to the destination: no temp tables,
	// no copy job.
	require.Len(t, successfulJobs(service, "load"), 1)
	require.Empty(t, successfulJobs(service, "copy"))
	for _, job := range service.SubmittedJobs() {
		require.NotEqual(t, "copy", job.Kind)
	}
}

func TestCommitRetriesFailedLoad(t *testing.T) {
	destination := model.TableReference{ProjectID: "proj", DatasetID: "dataset", TableID: "events"}
	writer, service, _ := newTestWriter(t, Config{
		Destination:       destination,
		Schema:            testSchema,
		WriteDisposition:  bqclient.WriteEmpty,
		CreateDisposition: bqclient.CreateIfNeeded,
	})

	file, err := writer.StageBatch(t.Context(), testRows(0, 100))
	require.NoError(t, err)

	// First load attempt fails; the retry succeeds under a fresh job id.
	service.FailNext(writer.Token()+"_00001", 1)
	require.NoError(t, writer.Commit(t.Context(), []model.StagedFile{file}))

	require.Equal(t, testRows(0, 100), service.TableRows(destination))
	require.Len(t, successfulJobs(service, "load"), 1)

	jobs := service.SubmittedJobs()
	require.Len(t, jobs, 2)
	require.Equal(t, model.StatusFailed, jobs[0].Status)
	require.Equal(t, model.StatusSucceeded, jobs[1].Status)
	require.NotEqual(t, jobs[0].Ref.JobID, jobs[1].Ref.JobID)
}

func TestCommitLostJobIsFatal(t *testing.T) {
	destination := model.TableReference{ProjectID: "proj", DatasetID: "dataset", TableID: "events"}
	writer, service, _ := newTestWriter(t, Config{
		Destination:       destination,
		Schema:            testSchema,
		WriteDisposition:  bqclient.WriteEmpty,
		CreateDisposition: bqclient.CreateIfNeeded,
	})

	file, err := writer.StageBatch(t.Context(), testRows(0, 10))
	require.NoError(t, err)

	service.LoseNext(writer.Token(), 1)
	err = writer.Commit(t.Context(), []model.StagedFile{file})
	require.ErrorContains(t, err, "UNKNOWN")

	// No resubmission after an indeterminate outcome.
	require.Len(t, service.SubmittedJobs(), 1)
}

func TestCommitZeroRowsCreatesTable(t *testing.T) {
	destination := model.TableReference{ProjectID: "proj", DatasetID: "dataset", TableID: "events"}
	writer, service, _ := newTestWriter(t, Config{
		Destination:       destination,
		Schema:            testSchema,
		WriteDisposition:  bqclient.WriteEmpty,
		CreateDisposition: bqclient.CreateIfNeeded,
	})

	require.NoError(t, writer.Commit(t.Context(), nil))

	require.True(t, service.HasTable(destination))
	require.Empty(t, service.TableRows(destination))
}
