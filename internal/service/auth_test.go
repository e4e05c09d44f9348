package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitwise74/threadbond-api/internal/model"
	"bitwise74/threadbond-api/pkg/security"
	"bitwise74/threadbond-api/pkg/validators"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const goodPassword = "Sup3r$ecret"

type authFixture struct {
	db     *gorm.DB
	svc    *AuthService
	codes  *SQLCodeStore
	ids    *IdentityAllocator
	hasher *countingHasher
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	db := newTestDB(t)
	m := newTestMetrics()

	codes := NewSQLCodeStore(db, codeCfg, nil, m)
	ids := NewIdentityAllocator(db, IdentityConfig{MaxAttempts: 5, RetiredWindow: time.Hour})

	sessions, err := security.NewSessionIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	hasher := &countingHasher{PasswordHasher: cheapHasher()}

	svc, err := NewAuthService(db, codes, ids, sessions, hasher, m, AuthConfig{
		Policy:  validators.DefaultPasswordPolicy(),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	return &authFixture{db: db, svc: svc, codes: codes, ids: ids, hasher: hasher}
}

func (f *authFixture) register(t *testing.T, email string) *AuthResult {
	t.Helper()

	issued, err := f.svc.RequestCode(context.Background(), email)
	require.NoError(t, err)

	res, err := f.svc.Register(context.Background(), RegisterInput{
		Email:           email,
		Code:            issued.Code,
		Password:        goodPassword,
		ConfirmPassword: goodPassword,
	})
	require.NoError(t, err)

	return res
}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		f := newAuthFixture(t)

		res := f.register(t, "Alice@Example.com")

		assert.Equal(t, "alice@example.com", res.User.Email)
		assert.NotEmpty(t, res.Token)
		assert.True(t, res.Identity.Active)
		assert.Equal(t, res.User.ID, res.Claims.UserID)
		assert.Equal(t, res.Identity.ID, res.Claims.AnonymousIdentityID)
		assert.NotEqual(t, goodPassword, res.User.PasswordHash)

		var user model.User
		require.NoError(t, f.svc.db.First(&user, "email = ?", "alice@example.com").Error)
		assert.Equal(t, res.User.ID, user.ID)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.svc.metrics.Registrations.WithLabelValues("registered")))
	})

	t.Run("input errors don't consume the code", func(t *testing.T) {
		f := newAuthFixture(t)

		issued, err := f.svc.RequestCode(ctx, "bob@example.com")
		require.NoError(t, err)

		tests := []struct {
			name  string
			in    RegisterInput
			field string
		}{
			{"bad email", RegisterInput{Email: "nope", Code: issued.Code, Password: goodPassword, ConfirmPassword: goodPassword}, FieldEmail},
			{"bad code format", RegisterInput{Email: "bob@example.com", Code: "12ab", Password: goodPassword, ConfirmPassword: goodPassword}, FieldCode},
			{"confirmation differs", RegisterInput{Email: "bob@example.com", Code: issued.Code, Password: goodPassword, ConfirmPassword: goodPassword + "x"}, FieldConfirmPassword},
			{"weak password", RegisterInput{Email: "bob@example.com", Code: issued.Code, Password: "short", ConfirmPassword: "short"}, "password"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := f.svc.Register(ctx, tt.in)

				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, tt.field, ve.Field)
			})
		}

		_, err = f.svc.Register(ctx, RegisterInput{
			Email:           "bob@example.com",
			Code:            issued.Code,
			Password:        goodPassword,
			ConfirmPassword: goodPassword,
		})
		assert.NoError(t, err)
	})

	t.Run("weak password lists violations", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.Register(ctx, RegisterInput{
			Email:           "carol@example.com",
			Code:            "123456",
			Password:        "abcdefgh",
			ConfirmPassword: "abcdefgh",
		})

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, []validators.PasswordRule{
			validators.RuleUppercase,
			validators.RuleDigit,
			validators.RuleSymbol,
		}, ve.Violations)
	})

	t.Run("wrong code", func(t *testing.T) {
		f := newAuthFixture(t)

		issued, err := f.svc.RequestCode(ctx, "dave@example.com")
		require.NoError(t, err)

		wrong := "000000"
		if issued.Code == wrong {
			wrong = "111111"
		}

		_, err = f.svc.Register(ctx, RegisterInput{Email: "dave@example.com", Code: wrong, Password: goodPassword, ConfirmPassword: goodPassword})
		assert.ErrorIs(t, err, ErrCodeMismatch)
	})

	t.Run("no code requested", func(t *testing.T) {
		f := newAuthFixture(t)

		_, err := f.svc.Register(ctx, RegisterInput{Email: "erin@example.com", Code: "123456", Password: goodPassword, ConfirmPassword: goodPassword})
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})

	t.Run("email taken", func(t *testing.T) {
		f := newAuthFixture(t)
		f.register(t, "frank@example.com")

		f.codes.NowFunc = func() time.Time { return time.Now().Add(time.Hour) }

		issued, err := f.svc.RequestCode(ctx, "frank@example.com")
		require.NoError(t, err)

		_, err = f.svc.Register(ctx, RegisterInput{Email: "FRANK@example.com", Code: issued.Code, Password: goodPassword, ConfirmPassword: goodPassword})
		assert.ErrorIs(t, err, ErrEmailTaken)
	})

	t.Run("allocation failure rolls the user back", func(t *testing.T) {
		f := newAuthFixture(t)
		f.ids.NameFunc = func() (string, error) { return "Same0001", nil }

		f.register(t, "gina@example.com")

		issued, err := f.svc.RequestCode(ctx, "hank@example.com")
		require.NoError(t, err)

		_, err = f.svc.Register(ctx, RegisterInput{Email: "hank@example.com", Code: issued.Code, Password: goodPassword, ConfirmPassword: goodPassword})
		require.ErrorIs(t, err, ErrAllocationExhausted)

		var count int64
		require.NoError(t, f.svc.db.Model(&model.User{}).Where("email = ?", "hank@example.com").Count(&count).Error)
		assert.Zero(t, count)

		available, err := f.svc.CheckEmail(ctx, "hank@example.com")
		require.NoError(t, err)
		assert.True(t, available)
	})
}

func TestAuthService_RegisterConcurrent(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	issued, err := f.svc.RequestCode(ctx, "race@example.com")
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)

	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := f.svc.Register(ctx, RegisterInput{
				Email:           "race@example.com",
				Code:            issued.Code,
				Password:        goodPassword,
				ConfirmPassword: goodPassword,
			})
			if err == nil {
				won.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), won.Load())

	var count int64
	require.NoError(t, f.svc.db.Model(&model.User{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAuthService_RequestCode(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.RequestCode(context.Background(), "not an email")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, FieldEmail, ve.Field)
}

func TestAuthService_CheckEmail(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	available, err := f.svc.CheckEmail(ctx, "ivy@example.com")
	require.NoError(t, err)
	assert.True(t, available)

	f.register(t, "ivy@example.com")

	available, err = f.svc.CheckEmail(ctx, " IVY@example.com")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestAuthService_Login(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg := f.register(t, "jack@example.com")

	t.Run("success", func(t *testing.T) {
		res, err := f.svc.Login(ctx, "Jack@Example.com", goodPassword)
		require.NoError(t, err)

		assert.Equal(t, reg.User.ID, res.User.ID)
		assert.Equal(t, reg.Identity.ID, res.Claims.AnonymousIdentityID)
	})

	t.Run("wrong password and unknown email look the same", func(t *testing.T) {
		before := f.hasher.verifies.Load()

		_, errWrong := f.svc.Login(ctx, "jack@example.com", "wrong")
		_, errUnknown := f.svc.Login(ctx, "nobody@example.com", goodPassword)

		assert.ErrorIs(t, errWrong, ErrUnauthorized)
		assert.ErrorIs(t, errUnknown, ErrUnauthorized)
		assert.Equal(t, errWrong.Error(), errUnknown.Error())

		// both paths ran a full comparison
		assert.Equal(t, before+2, f.hasher.verifies.Load())
	})

	t.Run("slow identity lookup times out", func(t *testing.T) {
		f.ids.cfg.Timeout = 50 * time.Millisecond
		stallTable(t, f.db, "anonymous_identities", 2*time.Second)

		start := time.Now()
		_, err := f.svc.Login(ctx, "jack@example.com", goodPassword)

		assert.ErrorIs(t, err, ErrStoreTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestAuthService_SwitchIdentity(t *testing.T) {
	f := newAuthFixture(t)
	ctx := context.Background()

	reg := f.register(t, "kate@example.com")

	extra, err := f.ids.Create(ctx, reg.User.ID)
	require.NoError(t, err)

	res, err := f.svc.SwitchIdentity(ctx, reg.Claims.Identity(), extra.ID)
	require.NoError(t, err)
	assert.Equal(t, extra.ID, res.Claims.AnonymousIdentityID)
	assert.Equal(t, "kate@example.com", res.Claims.Email)

	login, err := f.svc.Login(ctx, "kate@example.com", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, extra.ID, login.Identity.ID)
}
