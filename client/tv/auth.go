package tv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/tradekit/tvfeed-go/common"
)

const (
	// DefaultSignInURL is the account sign-in endpoint.
	DefaultSignInURL = "https://www.tradingview.com/accounts/signin/"

	// DefaultTwoFactorURL is the TOTP verification endpoint. It must be
	// called with the cookies from the sign-in response.
	DefaultTwoFactorURL = "https://www.tradingview.com/accounts/two-factor/signin/totp/"

	signInReferer = "https://www.tradingview.com"

	// anonymousToken is the token used for limited unauthenticated access
	// when no credentials are supplied at all.
	anonymousToken = "unauthorized_user_token"
)

// AuthManagerParams contains options for creating an AuthManager.
type AuthManagerParams struct {
	// SignInURL and TwoFactorURL override the production endpoints;
	// only set these when testing.
	SignInURL    string
	TwoFactorURL string

	// Timeout bounds each HTTP request. Defaults to 10 seconds.
	Timeout time.Duration

	Logger *zap.Logger
}

// AuthManager turns credentials into an auth token. It handles the token
// bypass, plain password, TOTP-secret and TOTP-code paths, and surfaces
// CAPTCHA challenges as ErrCaptchaRequired. It makes no websocket calls.
type AuthManager struct {
	params AuthManagerParams
	log    *zap.Logger
}

// NewAuthManager creates an AuthManager with the given params; params may
// be nil for defaults.
func NewAuthManager(params *AuthManagerParams) *AuthManager {
	p := AuthManagerParams{}
	if params != nil {
		p = *params
	}
	if p.SignInURL == "" {
		p.SignInURL = DefaultSignInURL
	}
	if p.TwoFactorURL == "" {
		p.TwoFactorURL = DefaultTwoFactorURL
	}
	if p.Timeout <= 0 {
		p.Timeout = 10 * time.Second
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &AuthManager{params: p, log: p.Logger.Named("auth")}
}

// signInResponse is the subset of the sign-in (and 2FA) response body the
// client cares about.
type signInResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	TwoFactorRequired bool   `json:"two_factor_required"`
	TwoFactorAlt      bool   `json:"2fa_required"`
	User              struct {
		AuthToken string `json:"auth_token"`
	} `json:"user"`
}

// Authenticate produces an auth token for the given credentials.
//
// Token bypass makes no network call. A missing username and password
// falls back to the anonymous token with a warning. Authentication
// failures are final: the caller must not retry them.
func (a *AuthManager) Authenticate(ctx context.Context, creds common.Credentials) (string, error) {
	if err := creds.Validate(); err != nil {
		return "", &ValidationError{Field: "credentials", Reason: err.Error()}
	}

	if creds.AuthToken != "" {
		a.log.Info("using pre-obtained auth token", zap.String("token", common.Mask(creds.AuthToken)))
		return creds.AuthToken, nil
	}

	if creds.Anonymous() {
		a.log.Warn("no credentials supplied, using unauthenticated access; data may be limited")
		return anonymousToken, nil
	}

	// The 2FA request must carry the sign-in response cookies, so both
	// requests share one jar.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	httpClient := &http.Client{Timeout: a.params.Timeout, Jar: jar}

	a.log.Info("authenticating", zap.String("username", creds.Username))

	form := url.Values{
		"username": {creds.Username},
		"password": {creds.Password},
		"remember": {"on"},
	}
	resp, err := a.postForm(ctx, httpClient, a.params.SignInURL, form)
	if err != nil {
		return "", errors.Annotatef(err, "sign-in request")
	}

	if resp.Error != "" {
		if resp.Code == "recaptcha_required" {
			a.log.Error("captcha challenge received", zap.String("username", creds.Username))
			return "", errors.Annotatef(ErrCaptchaRequired, "user %q", creds.Username)
		}
		return "", &AuthenticationError{Username: creds.Username, Reason: resp.Error}
	}

	if resp.TwoFactorRequired || resp.TwoFactorAlt {
		a.log.Info("two-factor authentication required", zap.String("username", creds.Username))
		return a.submitTwoFactor(ctx, httpClient, creds)
	}

	if resp.User.AuthToken == "" {
		return "", &AuthenticationError{Username: creds.Username, Reason: "no auth token in response"}
	}

	a.log.Info("authentication successful",
		zap.String("username", creds.Username),
		zap.String("token", common.Mask(resp.User.AuthToken)),
	)
	return resp.User.AuthToken, nil
}

// submitTwoFactor resolves the 2FA branch: a caller-supplied code is used
// as-is, otherwise one is derived from the TOTP secret. Without either,
// the attempt fails with ErrTwoFactorRequired.
func (a *AuthManager) submitTwoFactor(ctx context.Context, httpClient *http.Client, creds common.Credentials) (string, error) {
	code, err := a.totpCode(creds)
	if err != nil {
		return "", errors.Trace(err)
	}
	if code == "" {
		return "", errors.Annotatef(ErrTwoFactorRequired, "user %q", creds.Username)
	}

	form := url.Values{
		"code":     {code},
		"remember": {"on"},
	}
	resp, err := a.postForm(ctx, httpClient, a.params.TwoFactorURL, form)
	if err != nil {
		return "", errors.Annotatef(err, "2fa request")
	}

	if resp.Error != "" {
		return "", &AuthenticationError{Username: creds.Username, Reason: "2fa verification failed: " + resp.Error}
	}
	if resp.User.AuthToken == "" {
		return "", &AuthenticationError{Username: creds.Username, Reason: "no auth token in 2fa response"}
	}

	a.log.Info("two-factor authentication successful",
		zap.String("username", creds.Username),
		zap.String("token", common.Mask(resp.User.AuthToken)),
	)
	return resp.User.AuthToken, nil
}

// totpCode returns the caller-supplied code, or derives the current
// 30-second-step 6-digit code from the Base32 secret. Returns "" when no
// 2FA material is configured.
func (a *AuthManager) totpCode(creds common.Credentials) (string, error) {
	if creds.TOTPCode != "" {
		a.log.Debug("using caller-supplied 2fa code")
		return creds.TOTPCode, nil
	}
	if creds.TOTPSecret == "" {
		return "", nil
	}

	secret := strings.ToUpper(strings.ReplaceAll(creds.TOTPSecret, " ", ""))
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		return "", &ValidationError{
			Field:  "totp_secret",
			Value:  common.Mask(creds.TOTPSecret),
			Reason: "not a valid base32-encoded TOTP secret",
		}
	}
	return code, nil
}

func (a *AuthManager) postForm(ctx context.Context, httpClient *http.Client, endpoint string, form url.Values) (*signInResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", signInReferer)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthenticationError{Reason: "HTTP " + resp.Status}
	}

	var body signInResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &AuthenticationError{Reason: "unparseable response body"}
	}
	return &body, nil
}
