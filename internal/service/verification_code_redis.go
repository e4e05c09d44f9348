package service

import (
	"context"
	"errors"
	"time"

	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

const (
	redisResendPrefix = "threadbond:resend:"
	redisCodePrefix   = "threadbond:code:"

	// Expired codes stay around a little so Verify can still say "expired"
	// instead of "not found".
	redisCodeGrace = 10 * time.Minute
)

// Result codes of verifyScript.
const (
	redisVerifyNotFound int64 = iota
	redisVerifyExpired
	redisVerifyMismatch
	redisVerifyValid
)

// verifyScript compares and consumes a code atomically.
// KEYS[1] code key, ARGV[1] submitted code, ARGV[2] now in unix ms.
var verifyScript = redis.NewScript(`
local rec = redis.call('HMGET', KEYS[1], 'code', 'expires_at')
if not rec[1] then
	return 0
end
if tonumber(ARGV[2]) >= tonumber(rec[2]) then
	redis.call('DEL', KEYS[1])
	return 1
end
if rec[1] ~= ARGV[1] then
	return 2
end
redis.call('DEL', KEYS[1])
return 3
`)

// RedisCodeStore keeps codes and resend windows in redis, relying on key
// expiry instead of a cleanup job.
type RedisCodeStore struct {
	codeStoreBase
	rdb redis.UniversalClient
}

func NewRedisCodeStore(rdb redis.UniversalClient, cfg CodeStoreConfig, mail *MailDispatcher, m *metrics.Metrics) *RedisCodeStore {
	return &RedisCodeStore{
		codeStoreBase: newCodeStoreBase(cfg, mail, m),
		rdb:           rdb,
	}
}

func (s *RedisCodeStore) Issue(ctx context.Context, email string) (*IssuedCode, error) {
	email = validators.NormalizeEmail(email)
	now := s.now()

	code, err := security.GenerateCode()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	resendKey := redisResendPrefix + email

	ok, err := s.rdb.SetNX(ctx, resendKey, now.UnixMilli(), s.cfg.ResendInterval).Result()
	if err != nil {
		return nil, oops.
			Code("CODE_ISSUE_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, err))
	}

	if !ok {
		retry, err := s.rdb.PTTL(ctx, resendKey).Result()
		if err != nil || retry <= 0 {
			retry = s.cfg.ResendInterval
		}

		s.metrics.CodesIssued.WithLabelValues("rate_limited").Inc()
		return nil, &RateLimitError{RetryAfter: retry}
	}

	issued := &IssuedCode{
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	codeKey := redisCodePrefix + email

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, codeKey)
		p.HSet(ctx, codeKey, "code", issued.Code, "expires_at", issued.ExpiresAt.UnixMilli())
		p.PExpire(ctx, codeKey, s.cfg.TTL+redisCodeGrace)
		return nil
	})
	if err != nil {
		// Give the window back, nothing was issued
		s.rdb.Del(context.WithoutCancel(ctx), resendKey)

		return nil, oops.
			Code("CODE_ISSUE_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, err))
	}

	s.issued(issued)

	return issued, nil
}

func (s *RedisCodeStore) Verify(ctx context.Context, email, code string) (err error) {
	defer func() { s.checked(err) }()

	email = validators.NormalizeEmail(email)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := verifyScript.Run(ctx, s.rdb, []string{redisCodePrefix + email}, code, s.now().UnixMilli()).Int64()
	if err != nil {
		return oops.
			Code("CODE_VERIFY_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, err))
	}

	switch res {
	case redisVerifyValid:
		return nil
	case redisVerifyMismatch:
		return ErrCodeMismatch
	case redisVerifyExpired:
		return ErrCodeExpired
	case redisVerifyNotFound:
		return ErrCodeNotFound
	}

	return errors.New("unexpected verify script result")
}

func (s *RedisCodeStore) String() string {
	return "redis"
}
