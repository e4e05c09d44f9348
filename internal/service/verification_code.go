package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/model"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/samber/oops"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IssuedCode is a freshly issued verification code.
type IssuedCode struct {
	Email     string
	Code      string
	ExpiresAt time.Time
}

// CodeStore manages one verification code per email address.
//
// Issue fails with a *RateLimitError (matching ErrRateLimited) when called
// again before the resend interval passed. Verify returns nil exactly once
// per issued code; afterwards it returns ErrCodeNotFound.
type CodeStore interface {
	Issue(ctx context.Context, email string) (*IssuedCode, error)
	Verify(ctx context.Context, email, code string) error
}

type CodeStoreConfig struct {
	TTL            time.Duration
	ResendInterval time.Duration
	// Timeout bounds every storage round trip, 0 disables it.
	Timeout time.Duration
}

// codeStoreBase holds what both backends share: configuration, the mail
// side effect and metrics.
type codeStoreBase struct {
	cfg     CodeStoreConfig
	mail    *MailDispatcher
	metrics *metrics.Metrics

	// NowFunc is used to get the current time.
	// Exposed for testing purposes.
	NowFunc func() time.Time
}

func newCodeStoreBase(cfg CodeStoreConfig, mail *MailDispatcher, m *metrics.Metrics) codeStoreBase {
	return codeStoreBase{
		cfg:     cfg,
		mail:    mail,
		metrics: m,
		NowFunc: time.Now,
	}
}

func (b *codeStoreBase) now() time.Time {
	return b.NowFunc().UTC()
}

func (b *codeStoreBase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, b.cfg.Timeout)
}

// issued records a successful issue and hands the code to the mailer.
func (b *codeStoreBase) issued(c *IssuedCode) {
	b.metrics.CodesIssued.WithLabelValues("issued").Inc()

	if b.mail != nil {
		b.mail.Dispatch(c.Email, c.Code, c.ExpiresAt)
	}
}

func (b *codeStoreBase) checked(err error) {
	result := "valid"

	switch {
	case err == nil:
	case errors.Is(err, ErrCodeMismatch):
		result = "mismatch"
	case errors.Is(err, ErrCodeExpired):
		result = "expired"
	case errors.Is(err, ErrCodeNotFound):
		result = "not_found"
	default:
		result = "error"
	}

	b.metrics.CodeVerification.WithLabelValues(result).Inc()
}

// SQLCodeStore keeps codes and resend windows in the relational database.
type SQLCodeStore struct {
	codeStoreBase
	db *gorm.DB
}

func NewSQLCodeStore(db *gorm.DB, cfg CodeStoreConfig, mail *MailDispatcher, m *metrics.Metrics) *SQLCodeStore {
	return &SQLCodeStore{
		codeStoreBase: newCodeStoreBase(cfg, mail, m),
		db:            db,
	}
}

func (s *SQLCodeStore) Issue(ctx context.Context, email string) (*IssuedCode, error) {
	email = validators.NormalizeEmail(email)
	now := s.now()

	code, err := security.GenerateCode()
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	issued := &IssuedCode{
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Claim the window and write the code in one go. The upsert only
		// touches an existing window if it is old enough, so concurrent
		// requests can't both get through.
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_issued_at"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Lte{
					Column: clause.Column{Table: "resend_windows", Name: "last_issued_at"},
					Value:  now.Add(-s.cfg.ResendInterval),
				},
			}},
		}).Create(&model.ResendWindow{Email: email, LastIssuedAt: now})
		if res.Error != nil {
			return res.Error
		}

		if res.RowsAffected == 0 {
			var w model.ResendWindow
			if err := tx.Where("email = ?", email).First(&w).Error; err != nil {
				return err
			}

			return &RateLimitError{RetryAfter: w.LastIssuedAt.Add(s.cfg.ResendInterval).Sub(now)}
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}},
			DoUpdates: clause.Assignments(map[string]any{
				"code":        issued.Code,
				"created_at":  now,
				"expires_at":  issued.ExpiresAt,
				"consumed":    false,
				"consumed_at": nil,
			}),
		}).Create(&model.VerificationCode{
			Email:     email,
			Code:      issued.Code,
			CreatedAt: now,
			ExpiresAt: issued.ExpiresAt,
		}).Error
	})
	if err != nil {
		var rl *RateLimitError
		if errors.As(err, &rl) {
			s.metrics.CodesIssued.WithLabelValues("rate_limited").Inc()
			return nil, rl
		}

		return nil, oops.
			Code("CODE_ISSUE_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, err))
	}

	s.issued(issued)

	return issued, nil
}

func (s *SQLCodeStore) Verify(ctx context.Context, email, code string) (err error) {
	defer func() { s.checked(err) }()

	email = validators.NormalizeEmail(email)
	now := s.now()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	db := s.db.WithContext(ctx)

	// Compare and consume in a single statement so two requests can never
	// both consume the same code.
	res := db.Model(&model.VerificationCode{}).
		Where("email = ? AND code = ? AND consumed = ? AND expires_at > ?", email, code, false, now).
		Updates(map[string]any{
			"consumed":    true,
			"consumed_at": now,
		})
	if res.Error != nil {
		return oops.
			Code("CODE_VERIFY_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, res.Error))
	}

	if res.RowsAffected == 1 {
		return nil
	}

	var rec model.VerificationCode
	if err := db.Where("email = ?", email).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCodeNotFound
		}

		return oops.
			Code("CODE_VERIFY_FAILED").
			With("email", email).
			Wrap(storeErr(ctx, err))
	}

	if rec.Consumed {
		return ErrCodeNotFound
	}

	if !now.Before(rec.ExpiresAt) {
		err := db.
			Where("email = ? AND expires_at <= ?", email, now).
			Delete(&model.VerificationCode{}).
			Error
		if err != nil {
			zap.L().Warn("Failed to discard expired verification code", zap.Error(err))
		}

		return ErrCodeExpired
	}

	return ErrCodeMismatch
}

// String is used in logs to tell backends apart.
func (s *SQLCodeStore) String() string {
	return fmt.Sprintf("sql(%s)", s.db.Dialector.Name())
}
