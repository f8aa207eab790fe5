package domain

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrPermission          = errors.New("permission denied")
	ErrDuplicateRequest    = errors.New("a deposit request is already pending for this account")
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrGatewayRejected     = errors.New("payment gateway rejected request")
	ErrAlreadyTerminal     = errors.New("payment already in terminal state")
	ErrAccountNotFound     = errors.New("account not found")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("concurrent update conflict")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicateSettlement = errors.New("settlement already recorded for reference")
)
