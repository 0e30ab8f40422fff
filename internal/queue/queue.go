package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/podushkina/taskrelay/internal/task"
	"github.com/redis/go-redis/v9"
)

const (
	seqKey      = "taskqueue:seq"
	queueKey    = "taskqueue:pending"
	indexKey    = "taskqueue:tasks"
	taskPrefix  = "taskqueue:task:"
	auditPrefix = "taskqueue:audit:"
)

// claimScript pops ids off the pending list until it finds one that is still
// pending and unlocked, then locks it for ARGV[2]. Redis runs the script
// atomically, which is what keeps two workers off the same task.
var claimScript = redis.NewScript(`
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then
		return false
	end
	local key = ARGV[1] .. id
	if redis.call('HGET', key, 'status') == 'pending' and redis.call('HEXISTS', key, 'locked_by') == 0 then
		redis.call('HSET', key, 'status', 'in_progress', 'locked_by', ARGV[2], 'updated_at', ARGV[3])
		return id
	end
end
`)

// finalizeScript returns -1 when the task is missing, 0 when it was already
// terminal and 1 when the status changed. The audit entry in ARGV[3], if any,
// is appended whenever the task exists.
var finalizeScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -1
end
if ARGV[3] ~= '' then
	redis.call('RPUSH', KEYS[2], ARGV[3])
end
if current == 'success' or current == 'failed' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// Queue is the Redis-backed task store and audit log.
type Queue struct {
	client *redis.Client
}

func New(addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) Create(ctx context.Context, in task.NewTask) (task.Record, error) {
	id, err := q.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return task.Record{}, fmt.Errorf("allocate task id: %w", err)
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"id":         id,
		"status":     string(task.StatusPending),
		"created_at": now.UnixMilli(),
		"updated_at": now.UnixMilli(),
	}
	if in.RawValue != nil {
		fields["raw_value"] = *in.RawValue
	}
	if in.Value != nil {
		fields["value"] = *in.Value
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(id), fields)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(id), Member: id})
		pipe.RPush(ctx, queueKey, id)
		return nil
	})
	if err != nil {
		return task.Record{}, fmt.Errorf("push task: %w", err)
	}

	return q.Fetch(ctx, id)
}

func (q *Queue) Claim(ctx context.Context, workerID string) (int64, bool, error) {
	res, err := claimScript.Run(
		ctx,
		q.client,
		[]string{queueKey},
		taskPrefix,
		workerID,
		time.Now().UTC().UnixMilli(),
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("claim task: %w", err)
	}

	id, err := strconv.ParseInt(res, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("claim task: bad id %q: %w", res, err)
	}
	return id, true, nil
}

func (q *Queue) Fetch(ctx context.Context, id int64) (task.Record, error) {
	fields, err := q.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return task.Record{}, fmt.Errorf("get task: %w", err)
	}
	if len(fields) == 0 {
		return task.Record{}, fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	return decodeRecord(fields)
}

func (q *Queue) List(ctx context.Context) ([]task.Record, error) {
	ids, err := q.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}

	if len(ids) == 0 {
		return []task.Record{}, nil
	}

	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, taskPrefix+id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("fetch tasks: %w", err)
	}

	tasks := make([]task.Record, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decodeRecord(fields)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, rec)
	}

	return tasks, nil
}

func (q *Queue) CountByStatus(ctx context.Context, status task.Status) (int, error) {
	tasks, err := q.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n, nil
}

func (q *Queue) Finalize(ctx context.Context, id int64, status task.Status) error {
	return q.finalize(ctx, id, status, "")
}

// FinalizeWithAudit sets the terminal status and appends entry in one script call.
func (q *Queue) FinalizeWithAudit(ctx context.Context, id int64, status task.Status, entry task.AuditEntry) error {
	data, err := encodeAudit(entry)
	if err != nil {
		return err
	}
	return q.finalize(ctx, id, status, data)
}

func (q *Queue) finalize(ctx context.Context, id int64, status task.Status, audit string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot finalize as %s", task.ErrInvalidStatus, status)
	}

	res, err := finalizeScript.Run(
		ctx,
		q.client,
		[]string{taskKey(id), auditKey(id)},
		string(status),
		time.Now().UTC().UnixMilli(),
		audit,
	).Int()
	if err != nil {
		return fmt.Errorf("finalize task %d: %w", id, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %d", task.ErrNotFound, id)
	}
	return nil
}

func (q *Queue) AppendAudit(ctx context.Context, entry task.AuditEntry) error {
	data, err := encodeAudit(entry)
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, auditKey(entry.TaskID), data).Err(); err != nil {
		return fmt.Errorf("append audit for task %d: %w", entry.TaskID, err)
	}
	return nil
}

func (q *Queue) ListAudit(ctx context.Context, taskID int64) ([]task.AuditEntry, error) {
	raw, err := q.client.LRange(ctx, auditKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}

	entries := make([]task.AuditEntry, 0, len(raw))
	for _, item := range raw {
		var e task.AuditEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (q *Queue) CountAudit(ctx context.Context, taskID int64, event task.Event) (int, error) {
	entries, err := q.ListAudit(ctx, taskID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Event == event {
			n++
		}
	}
	return n, nil
}

func encodeAudit(e task.AuditEntry) (string, error) {
	switch e.Event {
	case task.EventFetch, task.EventSuccess, task.EventFailure:
	default:
		return "", fmt.Errorf("unknown audit event %q", e.Event)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	return string(data), nil
}

func decodeRecord(fields map[string]string) (task.Record, error) {
	var rec task.Record
	var err error

	if rec.ID, err = strconv.ParseInt(fields["id"], 10, 64); err != nil {
		return task.Record{}, fmt.Errorf("decode task id: %w", err)
	}
	rec.Status = task.Status(fields["status"])
	if !rec.Status.Valid() {
		return task.Record{}, fmt.Errorf("%w: task %d has status %q", task.ErrInvalidStatus, rec.ID, rec.Status)
	}
	rec.LockedBy = fields["locked_by"]

	if v, ok := fields["raw_value"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return task.Record{}, fmt.Errorf("decode raw_value: %w", err)
		}
		rec.RawValue = &n
	}
	if v, ok := fields["value"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return task.Record{}, fmt.Errorf("decode value: %w", err)
		}
		rec.Value = &n
	}

	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return task.Record{}, fmt.Errorf("decode created_at: %w", err)
	}
	updated, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return task.Record{}, fmt.Errorf("decode updated_at: %w", err)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func taskKey(id int64) string {
	return taskPrefix + strconv.FormatInt(id, 10)
}

func auditKey(id int64) string {
	return auditPrefix + strconv.FormatInt(id, 10)
}
