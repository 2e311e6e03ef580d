package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Session hashes carry their own TTL as a safety net; the
// daily counters expire independently so yesterday's total survives past
// midnight for the cap check.
const (
	liveSessionKeyPrefix = "session:active:"
	platformLiveKey      = "platform:live:%d"
	dailyKeyFormat       = "daily:%d:%s"
	trafficEventStream   = "traffic:events"
)

// RedisLiveStore implements LiveStore on a Redis instance.
type RedisLiveStore struct {
	rdb redis.UniversalClient
}

// NewRedisLiveStore wraps an existing Redis client.
func NewRedisLiveStore(rdb redis.UniversalClient) *RedisLiveStore {
	return &RedisLiveStore{rdb: rdb}
}

func liveSessionKey(userID int64) string {
	return liveSessionKeyPrefix + strconv.FormatInt(userID, 10)
}

func (r *RedisLiveStore) GetSession(ctx context.Context, userID int64) (*Session, error) {
	data, err := r.rdb.HGetAll(ctx, liveSessionKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get live session: %w", err)
	}
	if len(data) == 0 || data["sessionId"] == "" {
		return nil, nil
	}

	s := &Session{
		SessionID:    data["sessionId"],
		UserID:       userID,
		PlatformName: data["platformName"],
		ContentID:    data["contentId"],
		ContentTitle: data["contentTitle"],
	}
	s.PlatformID, _ = strconv.ParseInt(data["platformId"], 10, 64)
	s.StartedAt, _ = strconv.ParseInt(data["startedAt"], 10, 64)
	s.LastHeartbeat, _ = strconv.ParseInt(data["lastHeartbeat"], 10, 64)
	s.DurationSec, _ = strconv.ParseInt(data["durationSec"], 10, 64)
	return s, nil
}

func (r *RedisLiveStore) PutSession(ctx context.Context, s *Session, ttl time.Duration) error {
	key := liveSessionKey(s.UserID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"sessionId":     s.SessionID,
		"platformId":    strconv.FormatInt(s.PlatformID, 10),
		"platformName":  s.PlatformName,
		"contentId":     s.ContentID,
		"contentTitle":  s.ContentTitle,
		"startedAt":     strconv.FormatInt(s.StartedAt, 10),
		"lastHeartbeat": strconv.FormatInt(s.LastHeartbeat, 10),
		"durationSec":   strconv.FormatInt(s.DurationSec, 10),
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put live session: %w", err)
	}
	return nil
}

func (r *RedisLiveStore) RefreshHeartbeat(ctx context.Context, userID, lastHeartbeat, durationSec int64, ttl time.Duration) error {
	key := liveSessionKey(userID)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"lastHeartbeat": strconv.FormatInt(lastHeartbeat, 10),
		"durationSec":   strconv.FormatInt(durationSec, 10),
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("refresh heartbeat: %w", err)
	}
	return nil
}

func (r *RedisLiveStore) DeleteSession(ctx context.Context, userID int64) error {
	if err := r.rdb.Del(ctx, liveSessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete live session: %w", err)
	}
	return nil
}

func (r *RedisLiveStore) ScanUserIDs(ctx context.Context, cursor uint64, count int64) ([]int64, uint64, error) {
	keys, next, err := r.rdb.Scan(ctx, cursor, liveSessionKeyPrefix+"*", count).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("scan live sessions: %w", err)
	}

	userIDs := make([]int64, 0, len(keys))
	for _, key := range keys {
		raw := strings.TrimPrefix(key, liveSessionKeyPrefix)
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			userIDs = append(userIDs, id)
		}
	}
	return userIDs, next, nil
}

func (r *RedisLiveStore) AddLiveUser(ctx context.Context, platformID, userID int64) error {
	key := fmt.Sprintf(platformLiveKey, platformID)
	return r.rdb.SAdd(ctx, key, strconv.FormatInt(userID, 10)).Err()
}

func (r *RedisLiveStore) RemoveLiveUser(ctx context.Context, platformID, userID int64) error {
	key := fmt.Sprintf(platformLiveKey, platformID)
	return r.rdb.SRem(ctx, key, strconv.FormatInt(userID, 10)).Err()
}

func (r *RedisLiveStore) LiveUserCount(ctx context.Context, platformID int64) (int64, error) {
	key := fmt.Sprintf(platformLiveKey, platformID)
	n, err := r.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("live user count: %w", err)
	}
	return n, nil
}

func (r *RedisLiveStore) IncrDaily(ctx context.Context, userID int64, day string, platformName string, seconds int64, ttl time.Duration) error {
	key := fmt.Sprintf(dailyKeyFormat, userID, day)
	pipe := r.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, "total_sec", seconds)
	pipe.HIncrBy(ctx, key, platformName, seconds)
	pipe.HIncrBy(ctx, key, "sessions", 1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr daily counter: %w", err)
	}
	return nil
}

func (r *RedisLiveStore) DailySeconds(ctx context.Context, userID int64, day string) (int64, error) {
	key := fmt.Sprintf(dailyKeyFormat, userID, day)
	val, err := r.rdb.HGet(ctx, key, "total_sec").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily seconds: %w", err)
	}
	n, _ := strconv.ParseInt(val, 10, 64)
	return n, nil
}

func (r *RedisLiveStore) AppendEvent(ctx context.Context, ev *Event) error {
	values := map[string]interface{}{
		"type":       ev.Type,
		"userId":     strconv.FormatInt(ev.UserID, 10),
		"sessionId":  ev.SessionID,
		"platformId": strconv.FormatInt(ev.PlatformID, 10),
		"timestamp":  strconv.FormatInt(ev.Timestamp, 10),
	}
	if ev.ContentID != "" {
		values["contentId"] = ev.ContentID
	}
	if ev.Type == EventStop {
		values["durationSec"] = strconv.FormatInt(ev.DurationSec, 10)
		values["reason"] = string(ev.Reason)
	}

	err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: trafficEventStream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("append traffic event: %w", err)
	}
	return nil
}
