package internal

// Policy knobs tied to BigQuery's documented quotas. The defaults match
// the service limits at the time of writing; deployments tracking quota
// changes can override them through the environment.

// MaxFilesPerPartition caps how many staged files a single load job may carry.
func MaxFilesPerPartition() int {
	return getEnvInt("BQIO_MAX_FILES_PER_PARTITION", 10000)
}

// MaxPartitionBytes caps the total byte size of one load job's inputs.
func MaxPartitionBytes() int64 {
	return getEnvInt64("BQIO_MAX_PARTITION_BYTES", 11*(int64(1)<<40))
}

// StreamingShards is the fan-out used when sharding streaming inserts.
func StreamingShards() int {
	return getEnvInt("BQIO_STREAMING_SHARDS", 50)
}

// MaxRetryJobs bounds load/copy job attempts. Each attempt submits a fresh
// job id so the job service never sees a reused id.
func MaxRetryJobs() int {
	return getEnvInt("BQIO_MAX_RETRY_JOBS", 3)
}
