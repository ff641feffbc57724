package models

import "errors"

// Error classes shared by every engine component. Callers wrap them with
// fmt.Errorf and compare with errors.Is.
var (
	ErrValidation            = errors.New("validation failed")
	ErrNotFound              = errors.New("not found")
	ErrStateConflict         = errors.New("state conflict")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrTransferFailed        = errors.New("ledger transfer failed")
	ErrUnauthorized          = errors.New("unauthorized")
)

// ErrAlreadyProcessed is returned when a settlement is processed twice
var ErrAlreadyProcessed = &stateConflict{msg: "settlement already processed"}

type stateConflict struct{ msg string }

func (e *stateConflict) Error() string        { return e.msg }
func (e *stateConflict) Is(target error) bool { return target == ErrStateConflict }
