package booking

import (
	"errors"

	"appointly/backend/internal/domain"
)

var (
	ErrInvalidInterval = domain.ErrInvalidInterval
	ErrSlotUnavailable = errors.New("slot unavailable")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}
