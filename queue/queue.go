package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix    = "ingest:"
	keyWaiting   = keyPrefix + "waiting"
	keyDelayed   = keyPrefix + "delayed"
	keyActive    = keyPrefix + "active"
	keyCompleted = keyPrefix + "completed"
	keyFailed    = keyPrefix + "failed"
	keyPaused    = keyPrefix + "paused"

	defaultFailedRetention = 200
	completedHashTTL       = 24 * time.Hour
	failedHashTTL          = 30 * 24 * time.Hour
	maxJobLogs             = 50
)

// ErrNoJob is returned by dequeue when no work is ready before the timeout.
var ErrNoJob = errors.New("queue: no job available")

// JobPayload is the unit of work handed to the ingestion workers. It carries
// everything a worker needs so jobs for different documents share no state.
type JobPayload struct {
	DocumentID uint64         `json:"document_id"`
	UserID     uint64         `json:"user_id"`
	StorageKey string         `json:"storage_key"`
	Filename   string         `json:"filename"`
	MimeType   string         `json:"mime_type"`
	SizeBytes  int64          `json:"size_bytes"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Job is a dequeued unit of work, including which attempt this execution is.
type Job struct {
	ID      string
	Attempt int
	Payload JobPayload
}

// Counts summarises the transport-level queue state for the admin surface.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    bool  `json:"paused"`
}

// JobDetail is the transport-level view of a single job for operators.
type JobDetail struct {
	ID            string     `json:"id"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Logs          []string   `json:"logs"`
	Payload       JobPayload `json:"payload"`
}

// Queue is a durable Redis-backed work queue for document ingestion. Waiting
// jobs sit on a list, claimed jobs on an active list, retries on a delayed
// zset scored by ready-time, and a bounded number of terminal jobs are
// retained for inspection.
type Queue struct {
	client    *redis.Client
	retention int64
}

// NewQueue wraps the given Redis client. Failed-job retention comes from
// QUEUE_FAILED_RETENTION (default 200).
func NewQueue(client *redis.Client) (*Queue, error) {
	if client == nil {
		return nil, errors.New("queue: redis client is required")
	}
	retention := int64(defaultFailedRetention)
	if raw := strings.TrimSpace(os.Getenv("QUEUE_FAILED_RETENTION")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			retention = parsed
		}
	}
	return &Queue{client: client, retention: retention}, nil
}

func jobKey(jobID string) string {
	return keyPrefix + "job:" + jobID
}

func jobLogKey(jobID string) string {
	return jobKey(jobID) + ":logs"
}

// Enqueue registers a new job and pushes it onto the waiting list. The
// returned id is the external queue job id recorded on the job audit row.
func (q *Queue) Enqueue(ctx context.Context, payload JobPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: encode payload: %w", err)
	}

	jobID := uuid.NewString()
	now := time.Now().UTC()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"payload":    string(raw),
		"state":      "waiting",
		"attempts":   0,
		"created_at": now.Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, keyWaiting, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueue job: %w", err)
	}
	return jobID, nil
}

// promoteDelayed moves jobs whose backoff delay has elapsed back onto the
// waiting list.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 32,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}
	pipe := q.client.TxPipeline()
	for _, jobID := range due {
		pipe.ZRem(ctx, keyDelayed, jobID)
		pipe.HSet(ctx, jobKey(jobID), "state", "waiting")
		pipe.LPush(ctx, keyWaiting, jobID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue blocks up to timeout for the next ready job. Delayed jobs whose
// backoff has elapsed are promoted first. Returns ErrNoJob on timeout.
// The claim moves the id onto the active list in the same Redis command, so a
// job is never off both lists even if the worker dies mid-claim.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Job, error) {
	if err := q.promoteDelayed(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Job{}, fmt.Errorf("queue: promote delayed jobs: %w", err)
	}

	jobID, err := q.client.BLMove(ctx, keyWaiting, keyActive, "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrNoJob
		}
		return Job{}, fmt.Errorf("queue: pop waiting job: %w", err)
	}

	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	attemptsCmd := pipe.HIncrBy(ctx, jobKey(jobID), "attempts", 1)
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"state":        "active",
		"processed_at": now.Format(time.RFC3339Nano),
	})
	payloadCmd := pipe.HGet(ctx, jobKey(jobID), "payload")
	if _, err := pipe.Exec(ctx); err != nil {
		return Job{}, fmt.Errorf("queue: claim job %s: %w", jobID, err)
	}

	var payload JobPayload
	if err := json.Unmarshal([]byte(payloadCmd.Val()), &payload); err != nil {
		// Unreadable payload cannot be retried; park it as failed.
		_ = q.Fail(ctx, jobID, fmt.Sprintf("corrupt payload: %v", err), true)
		return Job{}, fmt.Errorf("queue: decode payload of job %s: %w", jobID, err)
	}

	return Job{ID: jobID, Attempt: int(attemptsCmd.Val()), Payload: payload}, nil
}

// Complete marks a job successful and moves it into the completed retention list.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyActive, 0, jobID)
	pipe.HSet(ctx, jobKey(jobID), map[string]any{
		"state":       "completed",
		"finished_at": now.Format(time.RFC3339Nano),
	})
	pipe.LPush(ctx, keyCompleted, jobID)
	pipe.LTrim(ctx, keyCompleted, 0, q.retention-1)
	pipe.Expire(ctx, jobKey(jobID), completedHashTTL)
	pipe.Expire(ctx, jobLogKey(jobID), completedHashTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail records a failed execution. Terminal failures land on the failed
// retention list; non-terminal failures only leave the active set (the caller
// reschedules via Retry).
func (q *Queue) Fail(ctx context.Context, jobID string, reason string, terminal bool) error {
	now := time.Now().UTC()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyActive, 0, jobID)
	pipe.HSet(ctx, jobKey(jobID), "failure", reason)
	if terminal {
		pipe.HSet(ctx, jobKey(jobID), map[string]any{
			"state":       "failed",
			"finished_at": now.Format(time.RFC3339Nano),
		})
		pipe.LPush(ctx, keyFailed, jobID)
		pipe.LTrim(ctx, keyFailed, 0, q.retention-1)
		pipe.Expire(ctx, jobKey(jobID), failedHashTTL)
		pipe.Expire(ctx, jobLogKey(jobID), failedHashTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: fail job %s: %w", jobID, err)
	}
	return nil
}

// Retry schedules another attempt after the given delay.
func (q *Queue) Retry(ctx context.Context, jobID string, delay time.Duration) error {
	readyAt := time.Now().Add(delay).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, keyActive, 0, jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", "delayed")
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(readyAt), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: schedule retry of job %s: %w", jobID, err)
	}
	return nil
}

// AppendLog attaches a log line to the job for the admin detail view.
func (q *Queue) AppendLog(ctx context.Context, jobID string, message string) {
	line := time.Now().UTC().Format(time.RFC3339) + " " + message
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, jobLogKey(jobID), line)
	pipe.LTrim(ctx, jobLogKey(jobID), -maxJobLogs, -1)
	_, _ = pipe.Exec(ctx)
}

// Paused reports whether workers should stop picking up new jobs.
func (q *Queue) Paused(ctx context.Context) bool {
	value, err := q.client.Get(ctx, keyPaused).Result()
	return err == nil && value == "1"
}

// Pause stops workers from claiming new jobs; in-flight jobs finish normally.
func (q *Queue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, keyPaused, "1", 0).Err()
}

// Resume lifts a pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, keyPaused).Err()
}

// Counts reads the transport-level counters.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.LLen(ctx, keyActive)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	delayed := pipe.ZCard(ctx, keyDelayed)
	paused := pipe.Get(ctx, keyPaused)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("queue: read counts: %w", err)
	}
	return Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
		Paused:    paused.Val() == "1",
	}, nil
}

// Job returns the transport-level detail of one job.
func (q *Queue) Job(ctx context.Context, jobID string) (*JobDetail, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	detail := &JobDetail{ID: jobID, State: fields["state"]}
	if raw := fields["attempts"]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			detail.Attempts = parsed
		}
	}
	if reason := fields["failure"]; reason != "" {
		detail.FailureReason = &reason
	}
	detail.CreatedAt = parseJobTime(fields["created_at"])
	detail.ProcessedAt = parseJobTime(fields["processed_at"])
	detail.FinishedAt = parseJobTime(fields["finished_at"])
	if raw := fields["payload"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &detail.Payload)
	}

	logs, err := q.client.LRange(ctx, jobLogKey(jobID), 0, -1).Result()
	if err == nil {
		detail.Logs = logs
	}
	if detail.Logs == nil {
		detail.Logs = []string{}
	}
	return detail, nil
}

func parseJobTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	parsed = parsed.UTC()
	return &parsed
}
