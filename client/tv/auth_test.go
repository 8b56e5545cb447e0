package tv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradekit/tvfeed-go/common"
)

func newAuthServer(t *testing.T, signin, twofactor http.HandlerFunc) (*httptest.Server, *AuthManager) {
	mux := http.NewServeMux()
	if signin != nil {
		mux.HandleFunc("/accounts/signin/", signin)
	}
	if twofactor != nil {
		mux.HandleFunc("/accounts/two-factor/signin/totp/", twofactor)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mgr := NewAuthManager(&AuthManagerParams{
		SignInURL:    srv.URL + "/accounts/signin/",
		TwoFactorURL: srv.URL + "/accounts/two-factor/signin/totp/",
	})
	return srv, mgr
}

func TestAuthenticateTokenBypass(t *testing.T) {
	// No server at all: a pre-obtained token must not hit the network.
	mgr := NewAuthManager(&AuthManagerParams{
		SignInURL: "http://127.0.0.1:1/signin",
	})
	token, err := mgr.Authenticate(context.Background(), common.Credentials{AuthToken: "tok-abc123"})
	require.NoError(t, err)
	assert.Equal(t, "tok-abc123", token)
}

func TestAuthenticateAnonymousFallback(t *testing.T) {
	mgr := NewAuthManager(&AuthManagerParams{
		SignInURL: "http://127.0.0.1:1/signin",
	})
	token, err := mgr.Authenticate(context.Background(), common.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, anonymousToken, token)
}

func TestAuthenticatePassword(t *testing.T) {
	_, mgr := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		assert.Equal(t, "on", r.PostForm.Get("remember"))
		assert.NotEmpty(t, r.Header.Get("Referer"))
		w.Write([]byte(`{"user":{"auth_token":"session-token-1"}}`))
	}, nil)

	token, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username: "alice",
		Password: "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-token-1", token)
}

func TestAuthenticateBadPassword(t *testing.T) {
	_, mgr := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Invalid username or password"}`))
	}, nil)

	_, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username: "alice",
		Password: "wrong",
	})
	require.Error(t, err)
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "alice", authErr.Username)
}

func TestAuthenticateCaptcha(t *testing.T) {
	_, mgr := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"Please confirm that you are not a robot","code":"recaptcha_required"}`))
	}, nil)

	_, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username: "alice",
		Password: "hunter2",
	})
	assert.Equal(t, ErrCaptchaRequired, errors.Cause(err))
}

func TestAuthenticateTwoFactorWithSecret(t *testing.T) {
	codePattern := regexp.MustCompile(`^\d{6}$`)

	_, mgr := newAuthServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "s1", Path: "/"})
			w.Write([]byte(`{"two_factor_required":true}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			// The 2FA request must reuse the sign-in session cookie.
			c, err := r.Cookie("sessionid")
			require.NoError(t, err)
			assert.Equal(t, "s1", c.Value)

			require.NoError(t, r.ParseForm())
			assert.Regexp(t, codePattern, r.PostForm.Get("code"))
			w.Write([]byte(`{"user":{"auth_token":"session-token-2fa"}}`))
		},
	)

	token, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username:   "alice",
		Password:   "hunter2",
		TOTPSecret: "jbsw y3dp ehpk 3pxp",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-token-2fa", token)
}

func TestAuthenticateTwoFactorWithCallerCode(t *testing.T) {
	_, mgr := newAuthServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"2fa_required":true}`))
		},
		func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "123456", r.PostForm.Get("code"))
			w.Write([]byte(`{"user":{"auth_token":"session-token-code"}}`))
		},
	)

	token, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username: "alice",
		Password: "hunter2",
		TOTPCode: "123456",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-token-code", token)
}

func TestAuthenticateTwoFactorWithoutMaterial(t *testing.T) {
	_, mgr := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"two_factor_required":true}`))
	}, nil)

	_, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username: "alice",
		Password: "hunter2",
	})
	assert.Equal(t, ErrTwoFactorRequired, errors.Cause(err))
}

func TestAuthenticateBadTOTPSecret(t *testing.T) {
	_, mgr := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"two_factor_required":true}`))
	}, nil)

	_, err := mgr.Authenticate(context.Background(), common.Credentials{
		Username:   "alice",
		Password:   "hunter2",
		TOTPSecret: "not base32 at all!!!",
	})
	require.Error(t, err)
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "totp_secret", valErr.Field)
}
