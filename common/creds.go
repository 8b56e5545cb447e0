package common

import (
	"strings"

	"github.com/juju/errors"
)

// Credentials holds everything needed to authenticate a session. Exactly
// one of AuthToken or Username+Password must be set; TOTPSecret and
// TOTPCode refine the password path and are mutually exclusive.
// Credentials are constructed once per client and never mutated.
type Credentials struct {
	Username string
	Password string

	// AuthToken is a pre-obtained token. When set, no sign-in request is
	// made and the other fields are ignored. This is the only way past a
	// CAPTCHA-protected account.
	AuthToken string

	// TOTPSecret is the Base32 secret used to derive 2FA codes locally.
	TOTPSecret string

	// TOTPCode is a caller-supplied 6-digit code. It is single use: a
	// fresh code must be supplied per authentication attempt.
	TOTPCode string
}

// Anonymous reports whether no credentials were supplied at all, in which
// case the client falls back to limited unauthenticated access.
func (c Credentials) Anonymous() bool {
	return c.AuthToken == "" && c.Username == "" && c.Password == ""
}

// Validate checks the field combinations before any network call is made.
func (c Credentials) Validate() error {
	if c.AuthToken != "" {
		return nil
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("username and password must be provided together")
	}
	if c.TOTPSecret != "" && c.TOTPCode != "" {
		return errors.New("totp secret and totp code are mutually exclusive")
	}
	if c.Username == "" && (c.TOTPSecret != "" || c.TOTPCode != "") {
		return errors.New("totp material requires username and password")
	}
	return nil
}

// Mask hides sensitive values in logs and error messages: only the last
// four characters stay visible, and short values collapse to a fixed-width
// mask so their length isn't leaked either.
func Mask(s string) string {
	const visible = 4
	if len(s) <= visible {
		return strings.Repeat("*", 8)
	}
	return strings.Repeat("*", len(s)-visible) + s[len(s)-visible:]
}
