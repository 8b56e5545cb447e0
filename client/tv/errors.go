package tv

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// The following errors are returned from the Client and AuthManager.
// Callers should compare against them with errors.Cause.
var (
	// ErrCaptchaRequired means the server demanded CAPTCHA verification.
	// This is unrecoverable without a pre-obtained auth token, so it is
	// never retried.
	ErrCaptchaRequired = errors.New("captcha verification required; supply a pre-obtained auth token")

	// ErrTwoFactorRequired means the account has 2FA enabled but neither a
	// TOTP secret nor a one-time code was provided.
	ErrTwoFactorRequired = errors.New("two-factor authentication required")

	// ErrClientClosed means the client was closed and can no longer issue
	// requests.
	ErrClientClosed = errors.New("client is closed")
)

// AuthenticationError means the server rejected the credentials. The
// username is kept for context; secrets never appear here.
type AuthenticationError struct {
	Username string
	Reason   string
}

func (e *AuthenticationError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("authentication failed for user %q: %s", e.Username, e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ValidationError means a parameter failed eager validation. No network
// call was made.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s=%q: %s", e.Field, e.Value, e.Reason)
}

// InvalidOHLCError means a bar violated the OHLC relationship.
type InvalidOHLCError struct {
	Open, High, Low, Close float64
}

func (e *InvalidOHLCError) Error() string {
	return fmt.Sprintf("OHLC relationship violated: O=%v H=%v L=%v C=%v",
		e.Open, e.High, e.Low, e.Close)
}

// DataNotFoundError means the server returned no bars for the requested
// symbol, typically because the symbol or exchange is wrong.
type DataNotFoundError struct {
	Symbol   string
	Exchange string
}

func (e *DataNotFoundError) Error() string {
	return fmt.Sprintf("no data found for %s on %s", e.Symbol, e.Exchange)
}

// TimeoutError means a websocket operation exceeded its deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("websocket %s timed out after %v", e.Op, e.Timeout)
}

// permanent reports whether err must not be retried: authentication,
// validation and data errors are final, only network failures are
// transient.
func permanent(err error) bool {
	switch cause := errors.Cause(err); cause {
	case ErrCaptchaRequired, ErrTwoFactorRequired, ErrClientClosed:
		return true
	default:
		switch cause.(type) {
		case *AuthenticationError, *ValidationError, *InvalidOHLCError, *DataNotFoundError:
			return true
		}
	}
	return false
}
