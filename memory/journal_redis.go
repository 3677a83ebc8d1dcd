package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memloop/memloop/config"
	"github.com/memloop/memloop/types"
)

// importanceBiasSeconds weights the warm-load ranking key so that one point
// of base importance counts like a day of recency.
const importanceBiasSeconds = 86400

// RedisJournal stores observations in Redis. Each agent keeps a hash of
// observation payloads plus a sorted set ordered by a combined
// importance/recency key, which bounds warm loads to the most valuable
// entries.
type RedisJournal struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisJournal connects to Redis and verifies the connection.
func NewRedisJournal(cfg config.RedisConfig) (*RedisJournal, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisJournal{client: client, keyPrefix: "memloop:obs:"}, nil
}

// NewRedisJournalWithClient wraps an existing client, mainly for tests.
func NewRedisJournalWithClient(client *redis.Client) *RedisJournal {
	return &RedisJournal{client: client, keyPrefix: "memloop:obs:"}
}

// Close releases the underlying connection pool.
func (j *RedisJournal) Close() error {
	return j.client.Close()
}

// Ping checks if the journal is reachable.
func (j *RedisJournal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

func (j *RedisJournal) dataKey(agentID string) string {
	return j.keyPrefix + "data:" + agentID
}

func (j *RedisJournal) rankKey(agentID string) string {
	return j.keyPrefix + "rank:" + agentID
}

func rankScore(o *types.Observation) float64 {
	return float64(o.CreatedAt.Unix()) + o.BaseImportance*importanceBiasSeconds
}

// AppendObservations writes a batch through a single pipeline.
func (j *RedisJournal) AppendObservations(ctx context.Context, obs []types.Observation) error {
	if len(obs) == 0 {
		return nil
	}
	pipe := j.client.Pipeline()
	for i := range obs {
		o := &obs[i]
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("failed to marshal observation %s: %w", o.ID, err)
		}
		pipe.HSet(ctx, j.dataKey(o.AgentID), o.ID, data)
		pipe.ZAdd(ctx, j.rankKey(o.AgentID), redis.Z{
			Score:  rankScore(o),
			Member: o.ID,
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// TouchObservations records access times in a side hash so the hot write
// path never rewrites observation payloads.
func (j *RedisJournal) TouchObservations(ctx context.Context, agentID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	fields := make([]any, 0, len(ids)*2)
	stamp := at.UTC().Format(time.RFC3339Nano)
	for _, id := range ids {
		fields = append(fields, id, stamp)
	}
	return j.client.HSet(ctx, j.keyPrefix+"touch:"+agentID, fields...).Err()
}

// LoadRecent returns the top-n observations by the combined
// importance/recency rank, merging in any recorded access times.
func (j *RedisJournal) LoadRecent(ctx context.Context, agentID string, n int) ([]types.Observation, error) {
	if n <= 0 {
		return nil, nil
	}
	ids, err := j.client.ZRevRange(ctx, j.rankKey(agentID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := j.client.HMGet(ctx, j.dataKey(agentID), ids...).Result()
	if err != nil {
		return nil, err
	}
	touched, err := j.client.HGetAll(ctx, j.keyPrefix+"touch:"+agentID).Result()
	if err != nil {
		return nil, err
	}

	out := make([]types.Observation, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var o types.Observation
		if err := json.Unmarshal([]byte(s), &o); err != nil {
			return nil, fmt.Errorf("failed to unmarshal observation: %w", err)
		}
		if stamp, ok := touched[o.ID]; ok {
			if at, err := time.Parse(time.RFC3339Nano, stamp); err == nil && at.After(o.LastAccessedAt) {
				o.LastAccessedAt = at
			}
		}
		out = append(out, o)
	}
	return out, nil
}
