package internal

import (
	"bitwise74/threadbond-api/aws"
	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/service"
	"bitwise74/threadbond-api/pkg/security"

	"gorm.io/gorm"
)

type Deps struct {
	DB         *gorm.DB
	Auth       *service.AuthService
	Identities *service.IdentityAllocator
	Sessions   *security.SessionIssuer
	Metrics    *metrics.Metrics
	// Avatars is nil when avatar storage is disabled.
	Avatars *aws.AvatarStore

	// ExposeCodes puts issued codes into the send-code response.
	// Never enabled in production.
	ExposeCodes bool
	// SecureCookies sets the Secure flag on the session cookie.
	SecureCookies bool
}
