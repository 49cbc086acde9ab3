package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"veriflow/internal/verification/models"
	id "veriflow/pkg/domain"
	"veriflow/pkg/platform/sentinel"
)

// Redis persists session records as JSON documents and implements the
// version check with WATCH/MULTI optimistic transactions: the session key is
// watched, the stored version compared, and the write discarded when any
// concurrent writer touched the key first. redis.TxFailedErr and a stale
// version both surface as sentinel.ErrConflict so the service retry loop
// treats them uniformly.
//
// Key layout:
//
//	veriflow:session:{id}                    session document
//	veriflow:session:active:{identity}:{booth}  active-pair claim -> session id
//	veriflow:session:deadlines               ZSET, score = timeoutAt unix, member = session id
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

const (
	sessionKeyPrefix = "veriflow:session:"
	activeKeyPrefix  = "veriflow:session:active:"
	deadlinesKey     = "veriflow:session:deadlines"
)

func sessionKey(sessionID id.SessionID) string {
	return sessionKeyPrefix + sessionID.String()
}

func activePairKey(identityRef id.IdentityID, boothRef id.BoothID) string {
	return activeKeyPrefix + identityRef.String() + ":" + boothRef.String()
}

func (s *Redis) Create(ctx context.Context, session *models.Session) error {
	stored := session.Clone()
	stored.SyncVersion = 1

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	// The pair key is claimed first so two booth terminals racing to open a
	// session for the same identity see exactly one winner.
	pairKey := activePairKey(session.IdentityRef, session.BoothRef)
	ok, err := s.client.SetNX(ctx, pairKey, session.ID.String(), 0).Result()
	if err != nil {
		return fmt.Errorf("claim active pair: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}

	ok, err = s.client.SetNX(ctx, sessionKey(session.ID), raw, 0).Result()
	if err != nil || !ok {
		s.client.Del(ctx, pairKey)
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return sentinel.ErrConflict
	}

	if err := s.client.ZAdd(ctx, deadlinesKey, redis.Z{
		Score:  float64(stored.TimeoutAt.Unix()),
		Member: session.ID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("index session deadline: %w", err)
	}

	session.SyncVersion = stored.SyncVersion
	return nil
}

func (s *Redis) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &session, nil
}

func (s *Redis) Put(ctx context.Context, session *models.Session, expectedVersion int64) (*models.Session, error) {
	key := sessionKey(session.ID)
	committed := session.Clone()
	committed.SyncVersion = expectedVersion + 1

	raw, err := json.Marshal(committed)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	txErr := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read session under watch: %w", err)
		}

		var stored models.Session
		if err := json.Unmarshal(current, &stored); err != nil {
			return fmt.Errorf("unmarshal session: %w", err)
		}
		if stored.SyncVersion != expectedVersion {
			return sentinel.ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pairKey := activePairKey(committed.IdentityRef, committed.BoothRef)
			if committed.Active() {
				pipe.Set(ctx, pairKey, committed.ID.String(), 0)
			} else {
				pipe.Del(ctx, pairKey)
				pipe.ZRem(ctx, deadlinesKey, committed.ID.String())
			}
			return nil
		})
		return err
	}, key)

	switch {
	case txErr == nil:
		return committed, nil
	case errors.Is(txErr, redis.TxFailedErr):
		// A concurrent writer touched the key between read and commit.
		return nil, sentinel.ErrConflict
	default:
		return nil, txErr
	}
}

func (s *Redis) FindActive(ctx context.Context, identityRef id.IdentityID, boothRef id.BoothID) (*models.Session, error) {
	rawID, err := s.client.Get(ctx, activePairKey(identityRef, boothRef)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active pair: %w", err)
	}

	sessionID, err := id.ParseSessionID(rawID)
	if err != nil {
		return nil, fmt.Errorf("corrupt active index entry %q: %w", rawID, err)
	}
	return s.Get(ctx, sessionID)
}

func (s *Redis) ListExpired(ctx context.Context, now time.Time) ([]*models.Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, deadlinesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadlines: %w", err)
	}

	expired := make([]*models.Session, 0, len(ids))
	for _, rawID := range ids {
		sessionID, err := id.ParseSessionID(rawID)
		if err != nil {
			continue
		}
		session, err := s.Get(ctx, sessionID)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		// The deadline index can lag a just-committed terminal transition;
		// re-check against the record itself.
		if session.Active() {
			expired = append(expired, session)
		}
	}
	return expired, nil
}
