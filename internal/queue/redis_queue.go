package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"automation-dispatch-engine/internal/faults"
	"automation-dispatch-engine/internal/models"
)

// Queue coordinates ready, in-flight, and scheduled job sets in Redis.
//
// Ready jobs live in one list per priority level (1..10); jobs with a future
// not_before wait in a scheduled zset scored by their due time; claimed jobs
// sit in an in-flight zset scored by their claim deadline. The claim operation
// is a single Lua script, so exactly one caller can win a given job even with
// concurrent workers across processes.
type Queue struct {
	client       *redis.Client
	clock        clockwork.Clock
	claimTTL     time.Duration
	skew         time.Duration
	inflightKey  string
	scheduledKey string
	seqKey       string
	metaPrefix   string
}

// New builds a queue on an existing Redis client.
func New(client *redis.Client, clock clockwork.Clock, claimTTL, skewTolerance time.Duration) *Queue {
	if claimTTL == 0 {
		claimTTL = 60 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		client:       client,
		clock:        clock,
		claimTTL:     claimTTL,
		skew:         skewTolerance,
		inflightKey:  "queue:inflight",
		scheduledKey: "queue:scheduled",
		seqKey:       "queue:seq",
		metaPrefix:   "queue:jobmeta:",
	}
}

func (q *Queue) readyKey(priority int) string {
	return fmt.Sprintf("queue:ready:%d", priority)
}

func (q *Queue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

func (q *Queue) readyKeys() []string {
	keys := make([]string, 0, models.PriorityLowest)
	for p := models.PriorityHighest; p <= models.PriorityLowest; p++ {
		keys = append(keys, q.readyKey(p))
	}
	return keys
}

// Enqueue inserts a job into either the scheduled set or its ready list.
// A not_before in the past within the skew tolerance is clamped to now;
// further in the past is a validation error.
func (q *Queue) Enqueue(ctx context.Context, jobID string, priority int, resourceKey string, notBefore time.Time) error {
	if priority < models.PriorityHighest || priority > models.PriorityLowest {
		return faults.Validation("priority %d outside [%d,%d]", priority, models.PriorityHighest, models.PriorityLowest)
	}
	now := q.clock.Now()
	if notBefore.Before(now.Add(-q.skew)) {
		return faults.Validation("not_before %s is in the past beyond skew tolerance", notBefore.UTC().Format(time.RFC3339))
	}
	if notBefore.Before(now) {
		notBefore = now
	}

	seq, err := q.nextSeq(ctx)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority, "resource", resourceKey)
	pipe.HSetNX(ctx, q.metaKey(jobID), "seq", seq)
	if notBefore.After(now) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(notBefore.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), jobID)
	}
	_, err = pipe.Exec(ctx)
	return faults.System(err)
}

// Schedule moves a job into the scheduled set for deferred execution.
// Used for retries and rate-limit reschedules.
func (q *Queue) Schedule(ctx context.Context, jobID string, priority int, resourceKey string, runAt time.Time) error {
	seq, err := q.nextSeq(ctx)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "priority", priority, "resource", resourceKey)
	// HSETNX keeps the original admission order for retried jobs.
	pipe.HSetNX(ctx, q.metaKey(jobID), "seq", seq)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err = pipe.Exec(ctx)
	return faults.System(err)
}

// nextSeq hands out a monotonic admission sequence so promotions can order
// jobs with identical due times by arrival instead of by job ID.
func (q *Queue) nextSeq(ctx context.Context) (int64, error) {
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return 0, faults.System(err)
	}
	return seq, nil
}

// PromoteScheduled moves due scheduled jobs into ready lists. It returns how
// many were promoted. Jobs sharing a due time promote in admission order, so
// the ready lists stay FIFO with respect to when jobs were first accepted.
func (q *Queue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	now := q.clock.Now()
	due, err := q.client.ZRangeByScoreWithScores(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, faults.System(err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	type promotion struct {
		id    string
		score float64
		seq   int64
	}
	promotions := make([]promotion, 0, len(due))
	for _, z := range due {
		id := z.Member.(string)
		promotions = append(promotions, promotion{id: id, score: z.Score, seq: q.metaSeq(ctx, id)})
	}
	sort.SliceStable(promotions, func(i, j int) bool {
		if promotions[i].score != promotions[j].score {
			return promotions[i].score < promotions[j].score
		}
		return promotions[i].seq < promotions[j].seq
	})

	pipe := q.client.TxPipeline()
	for _, p := range promotions {
		priority := q.metaPriority(ctx, p.id)
		pipe.ZRem(ctx, q.scheduledKey, p.id)
		pipe.RPush(ctx, q.readyKey(priority), p.id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, faults.System(err)
	}
	return len(promotions), nil
}

func (q *Queue) metaSeq(ctx context.Context, jobID string) int64 {
	v, err := q.client.HGet(ctx, q.metaKey(jobID), "seq").Int64()
	if err != nil {
		return 0
	}
	return v
}

func (q *Queue) metaPriority(ctx context.Context, jobID string) int {
	v, err := q.client.HGet(ctx, q.metaKey(jobID), "priority").Int()
	if err != nil || v < models.PriorityHighest || v > models.PriorityLowest {
		return models.PriorityLowest
	}
	return v
}

// ClaimNext atomically takes the next eligible job: lowest priority number
// first, FIFO within a priority level. The winning worker's ID and a claim
// deadline are stamped before the script returns, so a second caller can
// never see the same job. An empty string means no eligible job.
//
// resourceFilter, when non-empty, restricts the claim to jobs consuming that
// resource key; non-matching jobs rotate to the tail of their ready list.
func (q *Queue) ClaimNext(ctx context.Context, workerID, resourceFilter string) (string, error) {
	keys := append(q.readyKeys(), q.inflightKey)
	deadline := q.clock.Now().Add(q.claimTTL).UnixMilli()
	res, err := claimScript.Run(ctx, q.client, keys, deadline, workerID, q.metaPrefix, resourceFilter).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", faults.System(err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", faults.System(fmt.Errorf("unexpected type from claim script: %T", res))
	}
	return jobID, nil
}

// ClaimDeadline returns the current in-flight deadline for a claimed job.
func (q *Queue) ClaimDeadline(ctx context.Context, jobID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.inflightKey, jobID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, faults.System(err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// ExtendClaim pushes the claim deadline forward for an in-flight job.
func (q *Queue) ExtendClaim(ctx context.Context, jobID string, extension time.Duration) error {
	return faults.System(q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.clock.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err())
}

// Ack removes a job from in-flight tracking and drops its meta record.
// Called once the job reaches a terminal state.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return faults.System(err)
}

// Release removes a job from in-flight tracking but keeps its meta record,
// so the job can be rescheduled for another attempt.
func (q *Queue) Release(ctx context.Context, jobID string) error {
	return faults.System(q.client.ZRem(ctx, q.inflightKey, jobID).Err())
}

// ReclaimExpired sweeps in-flight jobs whose claim deadline passed (worker
// crashed or stalled) back into their ready lists. It returns the reclaimed IDs.
func (q *Queue) ReclaimExpired(ctx context.Context, limit int64) ([]string, error) {
	now := q.clock.Now()
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, faults.System(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.metaPriority(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.HDel(ctx, q.metaKey(id), "claimed_by")
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, faults.System(err)
	}
	return ids, nil
}

// Remove deletes a job from the ready lists and the scheduled set. In-flight
// entries are left alone: a claimed job finishes its current attempt, and
// cancellation only blocks future ones.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for p := models.PriorityHighest; p <= models.PriorityLowest; p++ {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return faults.System(err)
}

// ReadyDepth returns the total length of all ready lists.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, models.PriorityLowest)
	for p := models.PriorityHighest; p <= models.PriorityLowest; p++ {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, faults.System(err)
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// InflightDepth returns how many jobs are currently claimed.
func (q *Queue) InflightDepth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.inflightKey).Result()
	return n, faults.System(err)
}

// claimScript pops the next job across ready lists in priority order and
// moves it into the in-flight zset in one atomic step. With a resource filter
// set, non-matching jobs rotate to the tail of their list; each list is
// scanned at most once per call.
var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local deadline = ARGV[1]
local worker = ARGV[2]
local metaPrefix = ARGV[3]
local filter = ARGV[4]
for i=1,#KEYS-1 do
  local n = redis.call('LLEN', KEYS[i])
  for j=1,n do
    local job = redis.call('LPOP', KEYS[i])
    if not job then break end
    if filter == '' or redis.call('HGET', metaPrefix .. job, 'resource') == filter then
      redis.call('ZADD', inflight, deadline, job)
      redis.call('HSET', metaPrefix .. job, 'claimed_by', worker)
      return job
    end
    redis.call('RPUSH', KEYS[i], job)
  end
end
return nil
`)
