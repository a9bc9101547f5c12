package subsync

import "errors"

var (
	// ErrSubscriptionNotFound is returned when no projection exists for
	// a subscription ID.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUserNotFound is returned when a user has no projection rows.
	ErrUserNotFound = errors.New("user not found")

	// ErrSettingNotFound is returned when a settings key is not
	// configured.
	ErrSettingNotFound = errors.New("setting not found")

	// ErrInvalidUpdate is returned when a projector update is missing
	// required identifiers.
	ErrInvalidUpdate = errors.New("invalid projection update")
)
