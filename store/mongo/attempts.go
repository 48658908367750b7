package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/interlock-io/interlock/id"
	"github.com/interlock-io/interlock/retry"
)

func (s *Store) EnqueueAttempt(ctx context.Context, att *retry.Attempt) error {
	_, err := s.db.Collection(colAttempts).InsertOne(ctx, toAttemptModel(att))
	if err != nil {
		return fmt.Errorf("interlock/mongo: enqueue attempt: %w", err)
	}
	return nil
}

// DueAttempts claims due pending attempts one at a time with
// FindOneAndUpdate, so concurrent dispatchers never double-claim. Claims
// stamped before the reclaim cutoff were left by a crashed worker and are
// taken over.
func (s *Store) DueAttempts(ctx context.Context, limit int, reclaimAfter time.Duration) ([]*retry.Attempt, error) {
	result := make([]*retry.Attempt, 0, limit)
	t := now()
	cutoff := t.Add(-reclaimAfter)
	col := s.db.Collection(colAttempts)

	for range limit {
		filter := bson.M{
			"state":        string(retry.AttemptPending),
			"scheduled_at": bson.M{"$lte": t},
			"$or": []bson.M{
				{"claimed": false},
				{"claimed": true, "claimed_at": bson.M{"$lte": cutoff}},
			},
		}
		update := bson.M{
			"$set": bson.M{"claimed": true, "claimed_at": t, "updated_at": t},
		}
		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "scheduled_at", Value: 1}})

		var m attemptModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if errors.Is(err, mongod.ErrNoDocuments) {
				break
			}
			return nil, fmt.Errorf("interlock/mongo: claim due attempts: %w", err)
		}

		att, err := fromAttemptModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, nil
}

func (s *Store) UpdateAttempt(ctx context.Context, att *retry.Attempt) error {
	m := toAttemptModel(att)
	m.UpdatedAt = now()
	m.Claimed = false
	m.ClaimedAt = nil

	res, err := s.db.Collection(colAttempts).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("interlock/mongo: update attempt: %w", err)
	}
	if res.MatchedCount == 0 {
		return retry.ErrAttemptNotFound
	}
	return nil
}

func (s *Store) GetAttempt(ctx context.Context, attID id.ID) (*retry.Attempt, error) {
	var m attemptModel
	err := s.db.Collection(colAttempts).FindOne(ctx, bson.M{"_id": attID.String()}).Decode(&m)
	if err != nil {
		if errors.Is(err, mongod.ErrNoDocuments) {
			return nil, retry.ErrAttemptNotFound
		}
		return nil, fmt.Errorf("interlock/mongo: get attempt: %w", err)
	}
	return fromAttemptModel(&m)
}

func (s *Store) ListAttempts(ctx context.Context, opts retry.ListOpts) ([]*retry.Attempt, error) {
	filter := bson.M{}
	if opts.State != nil {
		filter["state"] = string(*opts.State)
	}
	if opts.Target != "" {
		filter["target"] = string(opts.Target)
	}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}

	findOpts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit)).SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colAttempts).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("interlock/mongo: list attempts: %w", err)
	}
	defer cur.Close(ctx)

	var result []*retry.Attempt
	for cur.Next(ctx) {
		var m attemptModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("interlock/mongo: decode attempt: %w", err)
		}
		att, err := fromAttemptModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, cur.Err()
}

func (s *Store) CancelAttempts(ctx context.Context, fingerprint string) (int64, error) {
	t := now()
	res, err := s.db.Collection(colAttempts).UpdateMany(ctx,
		bson.M{
			"fingerprint": fingerprint,
			"state":       string(retry.AttemptPending),
			"claimed":     false,
		},
		bson.M{
			"$set": bson.M{
				"state":        string(retry.AttemptCancelled),
				"completed_at": t,
				"updated_at":   t,
			},
		})
	if err != nil {
		return 0, fmt.Errorf("interlock/mongo: cancel attempts: %w", err)
	}
	return res.ModifiedCount, nil
}

func (s *Store) CountAttempts(ctx context.Context, state retry.AttemptState) (int64, error) {
	return s.db.Collection(colAttempts).CountDocuments(ctx, bson.M{"state": string(state)})
}

func (s *Store) ReapAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colAttempts).DeleteMany(ctx, bson.M{
		"state": bson.M{"$in": []string{
			string(retry.AttemptSucceeded),
			string(retry.AttemptFailed),
			string(retry.AttemptCancelled),
		}},
		"completed_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, fmt.Errorf("interlock/mongo: reap attempts: %w", err)
	}
	return res.DeletedCount, nil
}
