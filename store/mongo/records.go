package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/idempotency"
)

func (s *Store) CheckAndReserve(ctx context.Context, candidate *idempotency.Record, staleAfter time.Duration) (idempotency.Verdict, *idempotency.Record, error) {
	col := s.db.Collection(colRecords)

	// Insert wins the reservation; a duplicate key error loses it to an
	// existing document.
	_, err := col.InsertOne(ctx, toRecordModel(candidate))
	if err == nil {
		out := *candidate
		return idempotency.Fresh, &out, nil
	}
	if !mongod.IsDuplicateKeyError(err) {
		return idempotency.Fresh, nil, fmt.Errorf("interlock/mongo: reserve: %w", err)
	}

	existing, err := s.GetRecordByKey(ctx, candidate.Key)
	if err != nil {
		return idempotency.Fresh, nil, err
	}
	if existing.Status.Terminal() {
		return idempotency.DuplicateApplied, existing, nil
	}

	// Pending document. Reclaim the reservation only if it has gone
	// stale; the filter is the compare half of the CAS.
	t := now()
	cutoff := t.Add(-staleAfter)
	var m recordModel
	err = col.FindOneAndUpdate(ctx,
		bson.M{
			"dedupe_key":  candidate.Key.String(),
			"status":      string(idempotency.StatusPending),
			"reserved_at": bson.M{"$lte": cutoff},
		},
		bson.M{
			"$set": bson.M{"reserved_at": t, "updated_at": t},
			"$inc": bson.M{"attempt_count": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err == nil {
		reclaimed, err := fromRecordModel(&m)
		if err != nil {
			return idempotency.Fresh, nil, err
		}
		return idempotency.Fresh, reclaimed, nil
	}
	if !errors.Is(err, mongod.ErrNoDocuments) {
		return idempotency.Fresh, nil, fmt.Errorf("interlock/mongo: reclaim reservation: %w", err)
	}

	return idempotency.DuplicatePending, existing, nil
}

func (s *Store) MarkApplied(ctx context.Context, key event.DedupeKey) error {
	t := now()
	return s.finalizeRecord(ctx, key, bson.M{
		"$set": bson.M{
			"status":     string(idempotency.StatusApplied),
			"applied_at": t,
			"updated_at": t,
		},
	})
}

func (s *Store) MarkIgnored(ctx context.Context, key event.DedupeKey, reason string) error {
	return s.finalizeRecord(ctx, key, bson.M{
		"$set": bson.M{
			"status":     string(idempotency.StatusIgnored),
			"last_error": reason,
			"updated_at": now(),
		},
	})
}

func (s *Store) MarkFailed(ctx context.Context, key event.DedupeKey, reason string) error {
	return s.finalizeRecord(ctx, key, bson.M{
		"$set": bson.M{
			"status":     string(idempotency.StatusFailed),
			"last_error": reason,
			"updated_at": now(),
		},
	})
}

// finalizeRecord runs a pending→terminal transition. Zero matches are fine
// when the record is already terminal; a missing record is an error.
func (s *Store) finalizeRecord(ctx context.Context, key event.DedupeKey, update bson.M) error {
	col := s.db.Collection(colRecords)

	res, err := col.UpdateOne(ctx, bson.M{
		"dedupe_key": key.String(),
		"status":     string(idempotency.StatusPending),
	}, update)
	if err != nil {
		return fmt.Errorf("interlock/mongo: finalize record: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := col.CountDocuments(ctx, bson.M{"dedupe_key": key.String()})
	if err != nil {
		return fmt.Errorf("interlock/mongo: finalize record: %w", err)
	}
	if n == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ExtendReservation(ctx context.Context, key event.DedupeKey, until time.Time) error {
	col := s.db.Collection(colRecords)

	res, err := col.UpdateOne(ctx,
		bson.M{
			"dedupe_key":  key.String(),
			"status":      string(idempotency.StatusPending),
			"reserved_at": bson.M{"$lt": until},
		},
		bson.M{
			"$set": bson.M{"reserved_at": until, "updated_at": now()},
		})
	if err != nil {
		return fmt.Errorf("interlock/mongo: extend reservation: %w", err)
	}
	if res.MatchedCount == 1 {
		return nil
	}

	// Zero matches are fine for terminal records or an already-later
	// reservation; only a missing record is an error.
	n, err := col.CountDocuments(ctx, bson.M{"dedupe_key": key.String()})
	if err != nil {
		return fmt.Errorf("interlock/mongo: extend reservation: %w", err)
	}
	if n == 0 {
		return idempotency.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ReleaseReservation(ctx context.Context, key event.DedupeKey) error {
	_, err := s.db.Collection(colRecords).DeleteOne(ctx, bson.M{
		"dedupe_key": key.String(),
		"status":     string(idempotency.StatusPending),
	})
	if err != nil {
		return fmt.Errorf("interlock/mongo: release reservation: %w", err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, recID id.ID) (*idempotency.Record, error) {
	var m recordModel
	err := s.db.Collection(colRecords).FindOne(ctx, bson.M{"_id": recID.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("interlock/mongo: get record: %w", err)
	}
	return fromRecordModel(&m)
}

func (s *Store) GetRecordByKey(ctx context.Context, key event.DedupeKey) (*idempotency.Record, error) {
	var m recordModel
	err := s.db.Collection(colRecords).FindOne(ctx, bson.M{"dedupe_key": key.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("interlock/mongo: get record: %w", err)
	}
	return fromRecordModel(&m)
}

func (s *Store) ListRecords(ctx context.Context, opts idempotency.ListOpts) ([]*idempotency.Record, error) {
	filter := bson.M{}
	if opts.Status != nil {
		filter["status"] = string(*opts.Status)
	}
	if opts.Source != "" {
		filter["source"] = string(opts.Source)
	}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit)).SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colRecords).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("interlock/mongo: list records: %w", err)
	}
	defer cur.Close(ctx)

	var result []*idempotency.Record
	for cur.Next(ctx) {
		var m recordModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("interlock/mongo: decode record: %w", err)
		}
		rec, err := fromRecordModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, cur.Err()
}

func (s *Store) CountRecords(ctx context.Context, status idempotency.Status) (int64, error) {
	return s.db.Collection(colRecords).CountDocuments(ctx, bson.M{"status": string(status)})
}
