package service

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"bitwise74/threadbond-api/internal/model"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/samber/oops"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	idCharset   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitSet    = "0123456789"
	idLength    = 16
	nameDigits  = 4
	maxAttempts = 5
)

var (
	adjectives = []string{
		"Amber", "Brave", "Calm", "Clever", "Cosmic", "Crimson", "Dapper", "Dusky",
		"Eager", "Fuzzy", "Gentle", "Golden", "Hidden", "Hazy", "Jolly", "Lucky",
		"Mellow", "Misty", "Nimble", "Quiet", "Rapid", "Rustic", "Silent", "Silver",
		"Sleepy", "Sly", "Snowy", "Solar", "Stormy", "Sunny", "Swift", "Velvet",
		"Wandering", "Wild", "Witty", "Zesty",
	}
	nouns = []string{
		"Badger", "Bison", "Comet", "Crane", "Falcon", "Fern", "Finch", "Fox",
		"Gecko", "Harbor", "Heron", "Koala", "Lantern", "Lynx", "Maple", "Meadow",
		"Moth", "Otter", "Owl", "Panda", "Pebble", "Pine", "Quill", "Raven",
		"Reef", "Robin", "Sparrow", "Tide", "Tiger", "Walrus", "Willow", "Wren",
	}
)

// GenerateDisplayName returns names like "QuietOtter0421".
func GenerateDisplayName() (string, error) {
	adj, err := pick(adjectives)
	if err != nil {
		return "", err
	}

	noun, err := pick(nouns)
	if err != nil {
		return "", err
	}

	digits, err := gonanoid.Generate(digitSet, nameDigits)
	if err != nil {
		return "", err
	}

	return adj + noun + digits, nil
}

func pick(list []string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		return "", err
	}

	return list[n.Int64()], nil
}

func NewID() (string, error) {
	return gonanoid.Generate(idCharset, idLength)
}

type IdentityConfig struct {
	// MaxAttempts is how many names are tried before giving up.
	MaxAttempts int
	// RetiredWindow is how long a retired name stays out of circulation.
	RetiredWindow time.Duration
	// AvatarKeys are default avatars handed out at random. May be empty.
	AvatarKeys []string
	// Timeout bounds every storage round trip, 0 disables it.
	Timeout time.Duration
}

// IdentityAllocator creates and manages anonymous identities.
type IdentityAllocator struct {
	db  *gorm.DB
	cfg IdentityConfig

	// NameFunc and NowFunc are exposed for testing purposes.
	NameFunc func() (string, error)
	NowFunc  func() time.Time
}

func NewIdentityAllocator(db *gorm.DB, cfg IdentityConfig) *IdentityAllocator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = maxAttempts
	}

	return &IdentityAllocator{
		db:       db,
		cfg:      cfg,
		NameFunc: GenerateDisplayName,
		NowFunc:  time.Now,
	}
}

func (a *IdentityAllocator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.Timeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, a.cfg.Timeout)
}

// Allocate creates a new identity for userID inside tx. Every attempt runs
// in its own savepoint so a collision doesn't poison the outer transaction.
// After MaxAttempts collisions ErrAllocationExhausted is returned.
func (a *IdentityAllocator) Allocate(tx *gorm.DB, userID string, active bool) (*model.AnonymousIdentity, error) {
	now := a.NowFunc().UTC()

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		name, err := a.NameFunc()
		if err != nil {
			return nil, err
		}

		taken, err := a.nameTaken(tx, name, now)
		if err != nil {
			return nil, err
		}

		if taken {
			zap.L().Debug("Display name collision", zap.String("name", name), zap.Int("attempt", attempt))
			continue
		}

		id, err := NewID()
		if err != nil {
			return nil, err
		}

		avatar, err := a.pickAvatar()
		if err != nil {
			return nil, err
		}

		identity := &model.AnonymousIdentity{
			ID:          id,
			UserID:      userID,
			DisplayName: name,
			AvatarKey:   avatar,
			Active:      active,
			CreatedAt:   now,
		}

		err = tx.Transaction(func(sp *gorm.DB) error {
			return sp.Create(identity).Error
		})
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			zap.L().Debug("Display name taken concurrently", zap.String("name", name), zap.Int("attempt", attempt))
			continue
		}

		if err != nil {
			return nil, err
		}

		return identity, nil
	}

	zap.L().Error("Anonymous identity allocation exhausted",
		zap.String("userID", userID),
		zap.Int("attempts", a.cfg.MaxAttempts))

	return nil, ErrAllocationExhausted
}

func (a *IdentityAllocator) nameTaken(tx *gorm.DB, name string, now time.Time) (bool, error) {
	var used int64

	err := tx.Model(&model.AnonymousIdentity{}).
		Where("display_name = ?", name).
		Count(&used).
		Error
	if err != nil {
		return false, err
	}

	if used > 0 {
		return true, nil
	}

	var retired int64

	err = tx.Model(&model.RetiredName{}).
		Where("display_name = ? AND retired_at > ?", name, now.Add(-a.cfg.RetiredWindow)).
		Count(&retired).
		Error
	if err != nil {
		return false, err
	}

	return retired > 0, nil
}

func (a *IdentityAllocator) pickAvatar() (*string, error) {
	if len(a.cfg.AvatarKeys) == 0 {
		return nil, nil
	}

	key, err := pick(a.cfg.AvatarKeys)
	if err != nil {
		return nil, err
	}

	return &key, nil
}

// Create gives an existing user one more, inactive, identity.
func (a *IdentityAllocator) Create(ctx context.Context, userID string) (*model.AnonymousIdentity, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var identity *model.AnonymousIdentity

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		identity, err = a.Allocate(tx, userID, false)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAllocationExhausted) {
			return nil, err
		}

		return nil, oops.Code("IDENTITY_CREATE_FAILED").With("userID", userID).Wrap(storeErr(ctx, err))
	}

	return identity, nil
}

func (a *IdentityAllocator) List(ctx context.Context, userID string) ([]model.AnonymousIdentity, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var identities []model.AnonymousIdentity

	err := a.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&identities).
		Error
	if err != nil {
		return nil, oops.Code("IDENTITY_LIST_FAILED").With("userID", userID).Wrap(storeErr(ctx, err))
	}

	return identities, nil
}

// Get returns an identity only if userID owns it.
func (a *IdentityAllocator) Get(ctx context.Context, userID, identityID string) (*model.AnonymousIdentity, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var identity model.AnonymousIdentity

	err := a.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", identityID, userID).
		First(&identity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}

		return nil, oops.Code("IDENTITY_GET_FAILED").With("identityID", identityID).Wrap(storeErr(ctx, err))
	}

	return &identity, nil
}

// Active returns the identity flagged active for userID.
func (a *IdentityAllocator) Active(ctx context.Context, userID string) (*model.AnonymousIdentity, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var identity model.AnonymousIdentity

	err := a.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		First(&identity).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIdentityNotFound
		}

		return nil, oops.Code("IDENTITY_GET_FAILED").With("userID", userID).Wrap(storeErr(ctx, err))
	}

	return &identity, nil
}

// Activate makes identityID the only active identity of userID.
func (a *IdentityAllocator) Activate(ctx context.Context, userID, identityID string) (*model.AnonymousIdentity, error) {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	var identity model.AnonymousIdentity

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND user_id = ?", identityID, userID).First(&identity).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIdentityNotFound
			}

			return err
		}

		err = tx.Model(&model.AnonymousIdentity{}).
			Where("user_id = ? AND id <> ?", userID, identityID).
			Update("active", false).
			Error
		if err != nil {
			return err
		}

		identity.Active = true
		return tx.Model(&identity).Update("active", true).Error
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, err
		}

		return nil, oops.Code("IDENTITY_ACTIVATE_FAILED").With("identityID", identityID).Wrap(storeErr(ctx, err))
	}

	return &identity, nil
}

// Retire deletes an inactive identity and parks its display name.
func (a *IdentityAllocator) Retire(ctx context.Context, userID, identityID string) error {
	ctx, cancel := a.withTimeout(ctx)
	defer cancel()

	now := a.NowFunc().UTC()

	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var identity model.AnonymousIdentity

		err := tx.Where("id = ? AND user_id = ?", identityID, userID).First(&identity).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIdentityNotFound
			}

			return err
		}

		if identity.Active {
			return ErrIdentityActive
		}

		if err := tx.Delete(&identity).Error; err != nil {
			return err
		}

		return tx.Save(&model.RetiredName{DisplayName: identity.DisplayName, RetiredAt: now}).Error
	})
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) || errors.Is(err, ErrIdentityActive) {
			return err
		}

		return oops.Code("IDENTITY_RETIRE_FAILED").With("identityID", identityID).Wrap(storeErr(ctx, err))
	}

	return nil
}
