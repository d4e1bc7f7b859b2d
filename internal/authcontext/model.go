// Package authcontext keeps the administrator's curated subset of the
// tenant's authentication contexts.
package authcontext

import "time"

// AuthenticationContext is a saved authentication context class reference.
type AuthenticationContext struct {
	ID          string
	DisplayName string
	Description string
	IsAvailable bool
	SavedAt     time.Time
}
