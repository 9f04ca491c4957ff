// Package keys centralizes the Redis key and channel names shared between
// the spider worker, the content processor, and the external admin surface.
// These names are part of the deployment contract; changing them breaks
// consumers outside this repo.
package keys

import "fmt"

// Command and outbound channels.
const (
	// SpiderCommands is the primary crawl command channel.
	SpiderCommands = "spider:commands"

	// WorkerCommand is the legacy alias channel for crawl commands.
	WorkerCommand = "worker:command"

	// ProcessorCommands carries start/stop/reload_config for the generator.
	ProcessorCommands = "processor:commands"

	// PoolReload carries advisory pool resize messages.
	PoolReload = "pool:reload"

	// ProcessorLogs is the generator log stream.
	ProcessorLogs = "processor:logs"

	// ProcessorStatusRealtime receives generator status snapshots.
	ProcessorStatusRealtime = "processor:status:realtime"
)

// Generator pipeline lists.
const (
	// PendingArticles is the primary article-id queue.
	PendingArticles = "pending:articles"

	// PendingArticlesRetry holds article ids awaiting re-processing.
	PendingArticlesRetry = "pending:articles:retry"

	// PendingArticlesDead holds article ids that exhausted retries.
	PendingArticlesDead = "pending:articles:dead"

	// ProcessorLease is the content-pool lease lock key.
	ProcessorLease = "processor:lease"
)

// QueuePrefix is the production queue namespace prefix.
const QueuePrefix = "spider"

// TestQueuePrefix is the test-run queue namespace prefix.
const TestQueuePrefix = "test_spider"

// ProjectLogs returns the realtime log channel for a production run.
func ProjectLogs(projectID int64) string {
	return fmt.Sprintf("spider:logs:project_%d", projectID)
}

// TestLogs returns the realtime log channel for a test run.
func TestLogs(projectID int64) string {
	return fmt.Sprintf("spider:logs:test_%d", projectID)
}

// ProjectStats returns the periodic stats channel for a project.
func ProjectStats(projectID int64) string {
	return fmt.Sprintf("spider:stats:project_%d", projectID)
}

// ProjectStopFlag returns the cooperative stop-signal key for a project.
func ProjectStopFlag(projectID int64) string {
	return fmt.Sprintf("spider_project:%d:stop", projectID)
}

// SpiderStats returns the per-project item counter key.
func SpiderStats(projectID int64) string {
	return fmt.Sprintf("spider:%d:stats", projectID)
}

// RetryCounter returns the per-article retry counter key.
func RetryCounter(articleID int64) string {
	return fmt.Sprintf("processor:retry:%d", articleID)
}

// ProcessedDaily returns the daily processed counter key for a yyyymmdd date.
func ProcessedDaily(yyyymmdd string) string {
	return fmt.Sprintf("processor:processed:%s", yyyymmdd)
}

// ImageDedup returns the per-group image URL pre-filter set key.
func ImageDedup(groupID int64) string {
	return fmt.Sprintf("dedup:images:%d", groupID)
}
