package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
	"github.com/interlock-io/interlock/internal/entity"
)

// recordModel is the JSON representation stored in Redis. ReservedUnix
// duplicates ReservedAt as a number so the reservation script can compare
// staleness without parsing timestamps in Lua.
type recordModel struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	EventID      string     `json:"event_id"`
	TenantID     string     `json:"tenant_id"`
	EventType    string     `json:"event_type"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ReservedAt   time.Time  `json:"reserved_at"`
	ReservedUnix float64    `json:"reserved_unix"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	LastError    string     `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toRecordModel(rec *idempotency.Record) *recordModel {
	return &recordModel{
		ID:           rec.ID.String(),
		Source:       string(rec.Key.Source),
		EventID:      rec.Key.EventID,
		TenantID:     rec.TenantID,
		EventType:    rec.EventType,
		Status:       string(rec.Status),
		AttemptCount: rec.AttemptCount,
		ReservedAt:   rec.ReservedAt,
		ReservedUnix: scoreFromTime(rec.ReservedAt),
		AppliedAt:    rec.AppliedAt,
		LastError:    rec.LastError,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func fromRecordModel(m *recordModel) (*idempotency.Record, error) {
	recID, err := id.ParseRecordID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse record ID %q: %w", m.ID, err)
	}
	return &idempotency.Record{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           recID,
		Key:          event.NewDedupeKey(event.SourceService(m.Source), m.EventID),
		TenantID:     m.TenantID,
		EventType:    m.EventType,
		Status:       idempotency.Status(m.Status),
		AttemptCount: m.AttemptCount,
		ReservedAt:   m.ReservedAt,
		AppliedAt:    m.AppliedAt,
		LastError:    m.LastError,
	}, nil
}

// reserveScript is the atomic check-and-reserve.
// KEYS[1] = record key
// ARGV[1] = candidate JSON
// ARGV[2] = now (unix seconds, float)
// ARGV[3] = staleness threshold (seconds, float)
// ARGV[4] = now (RFC 3339, for the reclaimed reserved_at)
// Returns {verdict, record JSON}.
var reserveScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
    redis.call('SET', KEYS[1], ARGV[1])
    return {'fresh', ARGV[1]}
end
local rec = cjson.decode(raw)
if rec.status ~= 'pending' then
    return {'applied', raw}
end
if tonumber(ARGV[2]) - tonumber(rec.reserved_unix) > tonumber(ARGV[3]) then
    rec.reserved_unix = tonumber(ARGV[2])
    rec.reserved_at = ARGV[4]
    rec.attempt_count = rec.attempt_count + 1
    rec.updated_at = ARGV[4]
    local out = cjson.encode(rec)
    redis.call('SET', KEYS[1], out)
    return {'reclaimed', out}
end
return {'pending', raw}
`)

func (s *Store) CheckAndReserve(ctx context.Context, candidate *idempotency.Record, staleAfter time.Duration) (idempotency.Verdict, *idempotency.Record, error) {
	m := toRecordModel(candidate)
	raw, err := json.Marshal(m)
	if err != nil {
		return idempotency.Fresh, nil, err
	}

	now := time.Now().UTC()
	res, err := reserveScript.Run(ctx, s.rdb, []string{prefixRecord + candidate.Key.String()},
		raw, scoreFromTime(now), staleAfter.Seconds(), now.Format(time.RFC3339Nano)).Slice()
	if err != nil {
		return idempotency.Fresh, nil, fmt.Errorf("interlock/redis: reserve: %w", err)
	}
	if len(res) != 2 {
		return idempotency.Fresh, nil, fmt.Errorf("interlock/redis: reserve: unexpected reply %v", res)
	}

	verdictStr, _ := res[0].(string)
	recJSON, _ := res[1].(string)

	var stored recordModel
	if err := json.Unmarshal([]byte(recJSON), &stored); err != nil {
		return idempotency.Fresh, nil, fmt.Errorf("interlock/redis: decode reserved record: %w", err)
	}
	rec, err := fromRecordModel(&stored)
	if err != nil {
		return idempotency.Fresh, nil, err
	}

	switch verdictStr {
	case "fresh":
		// First reservation for this key: register the indexes.
		pipe := s.rdb.Pipeline()
		pipe.Set(ctx, prefixRecID+stored.ID, candidate.Key.String(), 0)
		pipe.ZAdd(ctx, zRecordAll, goredis.Z{Score: scoreFromTime(stored.CreatedAt), Member: candidate.Key.String()})
		pipe.SAdd(ctx, sRecordStatus+stored.Status, candidate.Key.String())
		if _, err := pipe.Exec(ctx); err != nil {
			return idempotency.Fresh, nil, fmt.Errorf("interlock/redis: reserve indexes: %w", err)
		}
		return idempotency.Fresh, rec, nil
	case "reclaimed":
		return idempotency.Fresh, rec, nil
	case "applied":
		return idempotency.DuplicateApplied, rec, nil
	default:
		return idempotency.DuplicatePending, rec, nil
	}
}

func (s *Store) MarkApplied(ctx context.Context, key event.DedupeKey) error {
	return s.finalizeRecord(ctx, key, idempotency.StatusApplied, "")
}

func (s *Store) MarkIgnored(ctx context.Context, key event.DedupeKey, reason string) error {
	return s.finalizeRecord(ctx, key, idempotency.StatusIgnored, reason)
}

func (s *Store) MarkFailed(ctx context.Context, key event.DedupeKey, reason string) error {
	return s.finalizeRecord(ctx, key, idempotency.StatusFailed, reason)
}

// finalizeScript transitions a pending record to a terminal status.
// KEYS[1] = record key
// ARGV[1] = new status, ARGV[2] = reason, ARGV[3] = now (RFC 3339)
// Returns the previous status, or '' if the record is missing.
var finalizeScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return '' end
local rec = cjson.decode(raw)
local prev = rec.status
if prev ~= 'pending' then return prev end
rec.status = ARGV[1]
if ARGV[2] ~= '' then rec.last_error = ARGV[2] end
if ARGV[1] == 'applied' then rec.applied_at = ARGV[3] end
rec.updated_at = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(rec))
return prev
`)

func (s *Store) finalizeRecord(ctx context.Context, key event.DedupeKey, status idempotency.Status, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	prev, err := finalizeScript.Run(ctx, s.rdb, []string{prefixRecord + key.String()},
		string(status), reason, now).Text()
	if err != nil {
		return fmt.Errorf("interlock/redis: finalize record: %w", err)
	}
	switch prev {
	case "":
		return idempotency.ErrRecordNotFound
	case string(idempotency.StatusPending):
		pipe := s.rdb.Pipeline()
		pipe.SRem(ctx, sRecordStatus+string(idempotency.StatusPending), key.String())
		pipe.SAdd(ctx, sRecordStatus+string(status), key.String())
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("interlock/redis: finalize indexes: %w", err)
		}
	}
	return nil
}

// extendScript pushes a pending record's reservation forward. An earlier
// target than the stored reserved_unix is a no-op.
// KEYS[1] = record key
// ARGV[1] = target (unix seconds, float)
// ARGV[2] = target (RFC 3339)
// ARGV[3] = now (RFC 3339)
// Returns the record's status, or '' if the record is missing.
var extendScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return '' end
local rec = cjson.decode(raw)
if rec.status ~= 'pending' then return rec.status end
if tonumber(ARGV[1]) > tonumber(rec.reserved_unix) then
    rec.reserved_unix = tonumber(ARGV[1])
    rec.reserved_at = ARGV[2]
    rec.updated_at = ARGV[3]
    redis.call('SET', KEYS[1], cjson.encode(rec))
end
return rec.status
`)

func (s *Store) ExtendReservation(ctx context.Context, key event.DedupeKey, until time.Time) error {
	status, err := extendScript.Run(ctx, s.rdb, []string{prefixRecord + key.String()},
		scoreFromTime(until), until.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano)).Text()
	if err != nil {
		return fmt.Errorf("interlock/redis: extend reservation: %w", err)
	}
	if status == "" {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, key event.DedupeKey) error {
	var m recordModel
	err := s.getEntity(ctx, prefixRecord+key.String(), &m)
	if err != nil {
		if isRedisNil(err) {
			return nil
		}
		return fmt.Errorf("interlock/redis: release reservation: %w", err)
	}
	if m.Status != string(idempotency.StatusPending) {
		return nil
	}

	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, prefixRecord+key.String())
	pipe.Del(ctx, prefixRecID+m.ID)
	pipe.ZRem(ctx, zRecordAll, key.String())
	pipe.SRem(ctx, sRecordStatus+string(idempotency.StatusPending), key.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("interlock/redis: release reservation: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recID id.ID) (*idempotency.Record, error) {
	keyStr, err := s.rdb.Get(ctx, prefixRecID+recID.String()).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("interlock/redis: get record: %w", err)
	}
	key, err := splitDedupeKey(keyStr)
	if err != nil {
		return nil, err
	}
	return s.GetRecordByKey(ctx, key)
}

func (s *Store) GetRecordByKey(ctx context.Context, key event.DedupeKey) (*idempotency.Record, error) {
	var m recordModel
	if err := s.getEntity(ctx, prefixRecord+key.String(), &m); err != nil {
		if isRedisNil(err) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("interlock/redis: get record: %w", err)
	}
	return fromRecordModel(&m)
}

func (s *Store) ListRecords(ctx context.Context, opts idempotency.ListOpts) ([]*idempotency.Record, error) {
	keys, err := s.rdb.ZRevRange(ctx, zRecordAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("interlock/redis: list records: %w", err)
	}

	result := make([]*idempotency.Record, 0, len(keys))
	for _, keyStr := range keys {
		var m recordModel
		if err := s.getEntity(ctx, prefixRecord+keyStr, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("interlock/redis: list records: %w", err)
		}
		if opts.Status != nil && m.Status != string(*opts.Status) {
			continue
		}
		if opts.Source != "" && m.Source != string(opts.Source) {
			continue
		}
		if opts.TenantID != "" && m.TenantID != opts.TenantID {
			continue
		}
		rec, err := fromRecordModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) CountRecords(ctx context.Context, status idempotency.Status) (int64, error) {
	return s.rdb.SCard(ctx, sRecordStatus+string(status)).Result()
}

// splitDedupeKey parses the stored "source:event_id" form.
func splitDedupeKey(s string) (event.DedupeKey, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return event.NewDedupeKey(event.SourceService(s[:i]), s[i+1:]), nil
		}
	}
	return event.DedupeKey{}, fmt.Errorf("interlock/redis: malformed dedupe key %q", s)
}
