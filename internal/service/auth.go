package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/model"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/samber/oops"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	codeFormat = regexp.MustCompile(`^[0-9]{6}$`)

	errCodeFormat      = errors.New("code must be 6 digits")
	errPasswordConfirm = errors.New("passwords don't match")
)

// RegisterInput is what the client submits to finish a registration.
type RegisterInput struct {
	Email           string
	Code            string
	Password        string
	ConfirmPassword string
}

// AuthResult is returned by every operation that ends with a new session.
type AuthResult struct {
	Token    string
	Claims   *security.SessionClaims
	User     *model.User
	Identity *model.AnonymousIdentity
}

type AuthConfig struct {
	Policy validators.PasswordPolicy
	// Timeout bounds database round trips, 0 disables it.
	Timeout time.Duration
}

// AuthService drives a registration attempt from Start through
// CodeRequested and CodeVerified to Registered, and handles logins.
// It keeps no state between calls, everything lives in the database.
type AuthService struct {
	db         *gorm.DB
	codes      CodeStore
	identities *IdentityAllocator
	sessions   *security.SessionIssuer
	hasher     security.PasswordHasher
	metrics    *metrics.Metrics
	cfg        AuthConfig

	// comparisonHash is checked against when no user was found so that
	// unknown emails take as long as wrong passwords.
	comparisonHash string
}

func NewAuthService(
	db *gorm.DB,
	codes CodeStore,
	identities *IdentityAllocator,
	sessions *security.SessionIssuer,
	hasher security.PasswordHasher,
	m *metrics.Metrics,
	cfg AuthConfig,
) (*AuthService, error) {
	switch {
	case db == nil:
		return nil, errors.New("database is required")
	case codes == nil:
		return nil, errors.New("code store is required")
	case identities == nil:
		return nil, errors.New("identity allocator is required")
	case sessions == nil:
		return nil, errors.New("session issuer is required")
	case hasher == nil:
		return nil, errors.New("password hasher is required")
	case m == nil:
		return nil, errors.New("metrics are required")
	}

	seed, err := NewID()
	if err != nil {
		return nil, err
	}

	hash, err := hasher.GenerateFromPassword(seed)
	if err != nil {
		return nil, err
	}

	return &AuthService{
		db:             db,
		codes:          codes,
		identities:     identities,
		sessions:       sessions,
		hasher:         hasher,
		metrics:        m,
		cfg:            cfg,
		comparisonHash: hash,
	}, nil
}

// Policy returns the password rules registrations are checked against.
func (s *AuthService) Policy() validators.PasswordPolicy {
	return s.cfg.Policy
}

func (s *AuthService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func parseEmail(raw string) (string, error) {
	email := validators.NormalizeEmail(raw)
	if err := validators.EmailValidator(email); err != nil {
		return "", &ValidationError{Field: FieldEmail, Err: err}
	}

	return email, nil
}

// RequestCode moves an attempt from Start to CodeRequested. When throttled
// the attempt stays at Start and a *RateLimitError is returned.
func (s *AuthService) RequestCode(ctx context.Context, rawEmail string) (*IssuedCode, error) {
	email, err := parseEmail(rawEmail)
	if err != nil {
		return nil, err
	}

	return s.codes.Issue(ctx, email)
}

// CheckEmail reports whether email can still be registered.
func (s *AuthService) CheckEmail(ctx context.Context, rawEmail string) (bool, error) {
	email, err := parseEmail(rawEmail)
	if err != nil {
		return false, err
	}

	taken, err := s.emailTaken(ctx, email)
	if err != nil {
		return false, err
	}

	return !taken, nil
}

func (s *AuthService) emailTaken(ctx context.Context, email string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var count int64

	err := s.db.WithContext(ctx).
		Model(&model.User{}).
		Where("email = ?", email).
		Count(&count).
		Error
	if err != nil {
		return false, oops.Code("USER_LOOKUP_FAILED").With("email", email).Wrap(storeErr(ctx, err))
	}

	return count > 0, nil
}

// Register validates the input, consumes the code (CodeRequested to
// CodeVerified) and finalizes the account (CodeVerified to Registered).
// Input problems are reported before the code is touched, so a typo in the
// password doesn't burn the code.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (res *AuthResult, err error) {
	defer func() {
		result := "registered"
		if err != nil {
			result = "rejected"
		}
		s.metrics.Registrations.WithLabelValues(result).Inc()
	}()

	email, err := parseEmail(in.Email)
	if err != nil {
		return nil, err
	}

	if !codeFormat.MatchString(in.Code) {
		return nil, &ValidationError{Field: FieldCode, Err: errCodeFormat}
	}

	if in.Password != in.ConfirmPassword {
		return nil, &ValidationError{Field: FieldConfirmPassword, Err: errPasswordConfirm}
	}

	if pr := s.cfg.Policy.Validate(in.Password); !pr.Valid {
		return nil, &ValidationError{Field: "password", Violations: pr.Violations}
	}

	taken, err := s.emailTaken(ctx, email)
	if err != nil {
		return nil, err
	}

	if taken {
		return nil, ErrEmailTaken
	}

	hash, err := s.hasher.GenerateFromPassword(in.Password)
	if err != nil {
		return nil, oops.Code("PASSWORD_HASH_FAILED").Wrap(err)
	}

	if err := s.codes.Verify(ctx, email, in.Code); err != nil {
		return nil, err
	}

	user, identity, err := s.finalize(ctx, email, hash)
	if err != nil {
		return nil, err
	}

	return s.issue(user, identity)
}

// finalize creates the user and its first identity in one transaction. If
// the identity can't be allocated the user is rolled back with it.
func (s *AuthService) finalize(ctx context.Context, email, hash string) (*model.User, *model.AnonymousIdentity, error) {
	userID, err := NewID()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user := &model.User{
		ID:           userID,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}

	var identity *model.AnonymousIdentity

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrEmailTaken
			}

			return err
		}

		var err error
		identity, err = s.identities.Allocate(tx, user.ID, true)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrEmailTaken):
			return nil, nil, err
		case errors.Is(err, ErrAllocationExhausted):
			zap.L().Error("Registration rolled back, no identity could be allocated", zap.String("email", email))
			return nil, nil, err
		}

		return nil, nil, oops.Code("REGISTER_FINALIZE_FAILED").With("email", email).Wrap(storeErr(ctx, err))
	}

	return user, identity, nil
}

// Login always runs the password comparison, also for unknown emails, and
// answers both cases with ErrUnauthorized.
func (s *AuthService) Login(ctx context.Context, rawEmail, password string) (res *AuthResult, err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "failed"
		}
		s.metrics.Logins.WithLabelValues(result).Inc()
	}()

	email := validators.NormalizeEmail(rawEmail)

	user, err := s.findUser(ctx, email)
	if err != nil {
		return nil, err
	}

	target := s.comparisonHash
	if user != nil {
		target = user.PasswordHash
	}

	ok, err := s.hasher.VerifyPasswd(password, target)
	if err != nil {
		if user == nil {
			return nil, ErrUnauthorized
		}

		return nil, oops.Code("PASSWORD_VERIFY_FAILED").With("userID", user.ID).Wrap(err)
	}

	if user == nil || !ok {
		return nil, ErrUnauthorized
	}

	identity, err := s.identities.Active(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return s.issue(user, identity)
}

// findUser returns nil without an error when no user has that email.
func (s *AuthService) findUser(ctx context.Context, email string) (*model.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user model.User

	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, oops.Code("USER_LOOKUP_FAILED").Wrap(storeErr(ctx, err))
	}

	return &user, nil
}

// SwitchIdentity activates another identity owned by the caller and returns
// a session bound to it.
func (s *AuthService) SwitchIdentity(ctx context.Context, caller security.Identity, identityID string) (*AuthResult, error) {
	identity, err := s.identities.Activate(ctx, caller.UserID, identityID)
	if err != nil {
		return nil, err
	}

	user := &model.User{ID: caller.UserID, Email: caller.Email}

	return s.issue(user, identity)
}

func (s *AuthService) issue(user *model.User, identity *model.AnonymousIdentity) (*AuthResult, error) {
	token, claims, err := s.sessions.Issue(user.ID, user.Email, identity.ID)
	if err != nil {
		return nil, oops.Code("SESSION_ISSUE_FAILED").With("userID", user.ID).Wrap(err)
	}

	return &AuthResult{
		Token:    token,
		Claims:   claims,
		User:     user,
		Identity: identity,
	}, nil
}
