package interfaces

import (
	"time"

	"github.com/Daniel-20051/lms-admin-app-sub003/pkg/types"
)

// SessionManager issues and validates relay session tokens.
type SessionManager interface {
	Issue(identity types.Identity) (token string, expiresAt time.Time, err error)
	Validate(token string) (types.Identity, error)
}
