package chat

import (
	"errors"

	"go-messenger/internal/broker"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("conflict")
	ErrInvalidInput     = errors.New("invalid input")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrBrokerUnavailable is the broker's own sentinel so callers can match
	// either name.
	ErrBrokerUnavailable = broker.ErrUnavailable
)
