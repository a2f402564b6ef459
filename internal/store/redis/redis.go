package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stockroomhq/stockroom/internal/store"

	"github.com/stockroomhq/stockroom/internal/models"
)

// Redis implements a Redis Store for challenges and cooldowns. Entry
// lifetimes ride on Redis key TTLs, so there is no sweep to run.
type Redis struct {
	client *redis.Client
	conf   Conf
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
}

// Challenge hash fields. The static body is one JSON blob; the two fields
// mutated independently (attempt counter, lockout) are separate so that
// HINCRBY / HSET stay atomic per key without read-modify-write races.
const (
	fieldData     = "data"
	fieldAttempts = "attempts"
	fieldLocked   = "locked_until"
)

// incrAttempts bumps the attempt counter only while the challenge body is
// still in the hash. Otherwise the HINCRBY would recreate a TTL-less key
// holding nothing but the counter after the entry expires.
var incrAttempts = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], ARGV[2], 1)
end
return -1
`)

// New returns a Redis implementation of store.
func New(c Conf) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "AUTH"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
	}
}

// Ping checks if the Redis server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// SetChallenge stores a challenge, replacing any existing entry.
func (r *Redis) SetChallenge(ctx context.Context, purpose, email string, ch models.Challenge, ttl time.Duration) error {
	b, err := json.Marshal(challengeBody{
		Email:       ch.Email,
		Purpose:     ch.Purpose,
		CodeHash:    ch.CodeHash,
		MaxAttempts: ch.MaxAttempts,
		IssuedAt:    ch.IssuedAt,
		ExpiresAt:   ch.ExpiresAt,
		Payload:     ch.Payload,
	})
	if err != nil {
		return err
	}

	key := r.challengeKey(purpose, email)

	// Del+HSet+PExpire in one transaction so a replaced challenge never
	// inherits the old attempt counter or lockout.
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fieldData, b, fieldAttempts, ch.Attempts)
	if !ch.LockedUntil.IsZero() {
		pipe.HSet(ctx, key, fieldLocked, ch.LockedUntil.UnixMilli())
	}
	pipe.PExpire(ctx, key, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// CheckChallenge fetches a challenge, atomically incrementing the attempt
// counter when counter=true.
func (r *Redis) CheckChallenge(ctx context.Context, purpose, email string, counter bool) (models.Challenge, error) {
	out, err := r.get(ctx, purpose, email)
	if err != nil {
		return out, err
	}
	if !counter {
		return out, nil
	}

	n, err := incrAttempts.Run(ctx, r.client,
		[]string{r.challengeKey(purpose, email)}, fieldData, fieldAttempts).Int()
	if err != nil {
		return out, err
	}
	if n < 0 {
		// The entry expired between the read and the increment.
		return models.Challenge{}, store.ErrNotExist
	}
	out.Attempts = n

	return out, nil
}

// LockChallenge records an attempt lockout on the challenge and stretches
// the entry's lifetime to cover it.
func (r *Redis) LockChallenge(ctx context.Context, purpose, email string, until time.Time) error {
	key := r.challengeKey(purpose, email)

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fieldLocked, until.UnixMilli())
	pipe.ExpireGT(ctx, key, time.Until(until)+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteChallenge deletes the challenge saved against (purpose, email).
func (r *Redis) DeleteChallenge(ctx context.Context, purpose, email string) error {
	return r.client.Del(ctx, r.challengeKey(purpose, email)).Err()
}

// ReserveSend claims the cooldown slot for an identity with SET NX PX.
// Losing the claim returns the remaining TTL of the winner's slot.
func (r *Redis) ReserveSend(ctx context.Context, email string, window time.Duration) (time.Duration, bool, error) {
	key := r.cooldownKey(email)

	ok, err := r.client.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return 0, false, err
	}
	if ok {
		return 0, true, nil
	}

	left, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	if left < 0 {
		left = 0
	}
	return left, false, nil
}

type challengeBody struct {
	Email       string          `json:"email"`
	Purpose     string          `json:"purpose"`
	CodeHash    string          `json:"code_hash"`
	MaxAttempts int             `json:"max_attempts"`
	IssuedAt    time.Time       `json:"issued_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Payload     json.RawMessage `json:"payload"`
}

func (r *Redis) challengeKey(purpose, email string) string {
	return fmt.Sprintf("%s:otp:%s:%s", r.conf.KeyPrefix, purpose, email)
}

func (r *Redis) cooldownKey(email string) string {
	return fmt.Sprintf("%s:cooldown:%s", r.conf.KeyPrefix, email)
}

// get retrieves and assembles the challenge hash.
func (r *Redis) get(ctx context.Context, purpose, email string) (models.Challenge, error) {
	var out models.Challenge

	vals, err := r.client.HGetAll(ctx, r.challengeKey(purpose, email)).Result()
	if err != nil {
		return out, err
	}

	raw, exists := vals[fieldData]
	if !exists {
		return out, store.ErrNotExist
	}

	var body challengeBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return out, err
	}

	out = models.Challenge{
		Email:       body.Email,
		Purpose:     body.Purpose,
		CodeHash:    body.CodeHash,
		MaxAttempts: body.MaxAttempts,
		IssuedAt:    body.IssuedAt,
		ExpiresAt:   body.ExpiresAt,
		Payload:     body.Payload,
	}
	if v, exists := vals[fieldAttempts]; exists {
		out.Attempts, _ = strconv.Atoi(v)
	}
	if v, exists := vals[fieldLocked]; exists {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err == nil && ms > 0 {
			out.LockedUntil = time.UnixMilli(ms)
		}
	}

	return out, nil
}
