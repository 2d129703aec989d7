package gocoin

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds is matched by every *InsufficientFundsError
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidReason is returned for unknown ledger reasons
	ErrInvalidReason = errors.New("invalid ledger reason")

	// ErrUserNotFound is returned when the user does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrUserExists is returned when creating a user id twice
	ErrUserExists = errors.New("user already exists")

	// ErrPaymentNotFound is returned when no payment record matches
	ErrPaymentNotFound = errors.New("payment record not found")

	// ErrDuplicatePayment is returned when a unique linkage key or cycle key is already taken
	ErrDuplicatePayment = errors.New("payment record already exists")

	// ErrEventExists is returned when marking an event id that is already recorded
	ErrEventExists = errors.New("event already processed")

	// ErrInvalidTransition is returned when a lifecycle or payment cannot move to the requested state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLifecycleConflict is returned when a lifecycle was modified concurrently
	ErrLifecycleConflict = errors.New("lifecycle modified concurrently")

	// ErrPackageNotFound is returned for unknown or inactive coin packages
	ErrPackageNotFound = errors.New("package not found")

	// ErrPlanNotFound is returned for unknown or inactive plans
	ErrPlanNotFound = errors.New("plan not found")

	// ErrInvalidOfferCode is returned for unknown, inactive or expired offer codes
	ErrInvalidOfferCode = errors.New("invalid offer code")

	// ErrInvalidMetadata is returned when purchase metadata is missing or malformed
	ErrInvalidMetadata = errors.New("invalid purchase metadata")

	// ErrEntryNotFound is returned when no ledger entry matches
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrDuplicateEntry is returned when appending a ledger entry id twice
	ErrDuplicateEntry = errors.New("ledger entry already exists")

	// ErrGiftNotFound is returned for gifts missing from the price list
	ErrGiftNotFound = errors.New("gift not found")

	// ErrAlreadyRefunded is returned when refunding a spend a second time
	ErrAlreadyRefunded = errors.New("spend already refunded")

	// ErrActionFailed wraps the error of a spend action whose debit was refunded
	ErrActionFailed = errors.New("spend action failed")

	// ErrUnchanged is returned by lifecycle update functions that have nothing to save
	ErrUnchanged = errors.New("lifecycle unchanged")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientFundsError reports a declined debit with the amount the caller needs
type InsufficientFundsError struct {
	Required int64
	Balance  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: required %d, balance %d", e.Required, e.Balance)
}

// Is makes errors.Is(err, ErrInsufficientFunds) hold
func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Shortfall is the number of coins missing
func (e *InsufficientFundsError) Shortfall() int64 {
	if e.Balance >= e.Required {
		return 0
	}
	return e.Required - e.Balance
}
