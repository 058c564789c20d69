package game

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultCertificateLimit = 12
	DefaultMaxTurns         = 15
	DefaultSharesPerCompany = 10
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidSymbol        = errors.New("symbol must be 3 to 5 uppercase letters")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientShares   = errors.New("insufficient shares")
	ErrOwnershipCap         = errors.New("ownership cap exceeded")
	ErrCertificateLimit     = errors.New("certificate limit exceeded")
	ErrNegativeBalance      = errors.New("balance would go negative")
	ErrOverAllocation       = errors.New("allocation exceeds available shares")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrTxConflict           = errors.New("transaction conflict, retry later")
	ErrPhaseClosed          = errors.New("current phase does not accept this action")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrCompanyNotTradable   = errors.New("company is not tradable")
	ErrGameFinished         = errors.New("game finished")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
)

var symbolRE = regexp.MustCompile(`^[A-Z]{3,5}$`)

func ValidateSymbol(symbol string) error {
	if !symbolRE.MatchString(strings.TrimSpace(symbol)) {
		return ErrInvalidSymbol
	}
	return nil
}

// Notional is price times quantity with an overflow guard; prices are whole
// currency units so no scaling is applied.
func Notional(price int64, quantity int) (int64, error) {
	if price < 0 || quantity < 0 {
		return 0, fmt.Errorf("%w: negative price or quantity", ErrInvalidOrder)
	}
	if quantity == 0 || price == 0 {
		return 0, nil
	}
	total := price * int64(quantity)
	if total/int64(quantity) != price {
		return 0, fmt.Errorf("notional overflow")
	}
	return total, nil
}

// Invariant wraps err so callers can match ErrInvariantViolation while still
// seeing the specific cause.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
