// Package guard holds the authorization checks every ledger operation runs.
package guard

import "github.com/Erio-Harrison/defi-tools/internal/domain"

// Check fails with ErrUnauthorized unless caller owns the record.
func Check(caller, recordOwner string) error {
	if caller == "" || caller != recordOwner {
		return domain.ErrUnauthorized
	}
	return nil
}

// CheckActive fails with ErrStrategyPaused while the profile is in emergency mode.
func CheckActive(profile *domain.UserProfile) error {
	if profile.IsPaused {
		return domain.ErrStrategyPaused
	}
	return nil
}
