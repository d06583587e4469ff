// Package authapi calls the login, refresh, logout and profile endpoints.
//
// The server sets and clears token cookies; the client's cookie jar is the
// token store, so those side effects land in the store without client code
// ever writing a token.
package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tyemirov/authstate/pkg/autherr"
	"github.com/tyemirov/authstate/pkg/tokenstore"
	"go.uber.org/zap"
)

const (
	HeaderCSRFToken     = "X-CSRF-TOKEN"
	HeaderRequestedWith = "X-Requested-With"
	requestedWithValue  = "XMLHttpRequest"

	defaultTimeout = 10 * time.Second
)

var (
	ErrMissingBaseURL   = errors.New("authapi.missing_base_url")
	ErrMissingStore     = errors.New("authapi.missing_store")
	ErrMissingTokenName = errors.New("authapi.missing_token_name")
)

// Endpoints are paths relative to the base URL.
type Endpoints struct {
	Login   string
	Refresh string
	Logout  string
	Profile string
	CSRF    string
}

// DefaultEndpoints returns the standard endpoint paths.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:   "/api/auth/login",
		Refresh: "/api/auth/refresh",
		Logout:  "/api/auth/logout",
		Profile: "/api/user/profile",
		CSRF:    "/api/auth/csrf",
	}
}

func (endpoints Endpoints) withDefaults() Endpoints {
	defaults := DefaultEndpoints()
	if endpoints.Login == "" {
		endpoints.Login = defaults.Login
	}
	if endpoints.Refresh == "" {
		endpoints.Refresh = defaults.Refresh
	}
	if endpoints.Logout == "" {
		endpoints.Logout = defaults.Logout
	}
	if endpoints.Profile == "" {
		endpoints.Profile = defaults.Profile
	}
	if endpoints.CSRF == "" {
		endpoints.CSRF = defaults.CSRF
	}
	return endpoints
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	Store           tokenstore.Store
	AccessTokenName string
	Timeout         time.Duration
	Endpoints       Endpoints
	// CSRFToken supplies the anti-forgery token for state-changing calls.
	CSRFToken func() string
	Logger    *zap.Logger
	// Transport overrides the HTTP transport, mostly for tests.
	Transport http.RoundTripper
}

// Credentials are posted to the login endpoint.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// User is the identity returned by login and profile calls.
type User struct {
	UserID      string   `json:"user_id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	ExpiresAt int64 `json:"expires_at"`
}

type logoutRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type profileEnvelope struct {
	User    *User `json:"user"`
	Profile *User `json:"profile"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client speaks the auth HTTP contract.
type Client struct {
	http            *resty.Client
	store           tokenstore.Store
	accessTokenName string
	endpoints       Endpoints
	csrfToken       func() string
	logger          *zap.Logger
}

// New validates configuration and builds a resty client whose cookie jar is the token store.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("authapi.new: %w", ErrMissingBaseURL)
	}
	if config.Store == nil {
		return nil, fmt.Errorf("authapi.new: %w", ErrMissingStore)
	}
	if strings.TrimSpace(config.AccessTokenName) == "" {
		return nil, fmt.Errorf("authapi.new: %w", ErrMissingTokenName)
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	csrfToken := config.CSRFToken
	if csrfToken == nil {
		csrfToken = func() string { return "" }
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(config.BaseURL, "/")).
		SetTimeout(timeout).
		SetCookieJar(config.Store).
		SetHeader("Accept", "application/json").
		SetHeader(HeaderRequestedWith, requestedWithValue)
	if config.Transport != nil {
		httpClient.SetTransport(config.Transport)
	}
	return &Client{
		http:            httpClient,
		store:           config.Store,
		accessTokenName: config.AccessTokenName,
		endpoints:       config.Endpoints.withDefaults(),
		csrfToken:       csrfToken,
		logger:          logger,
	}, nil
}

// Request returns a request carrying the CSRF and bearer headers.
func (client *Client) Request(ctx context.Context) *resty.Request {
	request := client.http.NewRequest().SetContext(ctx)
	if token := strings.TrimSpace(client.csrfToken()); token != "" {
		request.SetHeader(HeaderCSRFToken, token)
	}
	if accessToken, ok := client.store.Get(client.accessTokenName); ok {
		request.SetAuthToken(accessToken)
	}
	return request
}

// Login posts credentials. Transport failures are auth.network_error, non-2xx
// responses auth.unauthorized with the status, unparseable bodies auth.invalid_response.
func (client *Client) Login(ctx context.Context, credentials Credentials) (User, error) {
	response, err := client.Request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(credentials).
		Post(client.endpoints.Login)
	if err != nil {
		return User{}, autherr.Wrap(autherr.KindNetwork, "login request failed", err)
	}
	if !response.IsSuccess() {
		return User{}, statusError(autherr.KindUnauthorized, response, "Login failed")
	}
	var user User
	if decodeErr := json.Unmarshal(response.Body(), &user); decodeErr != nil {
		return User{}, autherr.Wrap(autherr.KindInvalidResponse, "login response is not valid JSON", decodeErr)
	}
	return user, nil
}

// Refresh posts the refresh token. A 401 or 403 is unrecoverable.
func (client *Client) Refresh(ctx context.Context, refreshToken string) (time.Time, error) {
	response, err := client.Request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(refreshRequest{RefreshToken: refreshToken}).
		Post(client.endpoints.Refresh)
	if err != nil {
		return time.Time{}, autherr.Wrap(autherr.KindNetwork, "refresh request failed", err)
	}
	if !response.IsSuccess() {
		failure := statusError(autherr.KindRefreshFailed, response, "Token refresh failed")
		status := response.StatusCode()
		failure.Unrecoverable = status == http.StatusUnauthorized || status == http.StatusForbidden
		return time.Time{}, failure
	}
	var body refreshResponse
	if len(response.Body()) > 0 {
		if decodeErr := json.Unmarshal(response.Body(), &body); decodeErr != nil {
			client.logger.Debug("refresh response without expiry", zap.String("code", "authapi.refresh.body_ignored"), zap.Error(decodeErr))
		}
	}
	if body.ExpiresAt <= 0 {
		return time.Time{}, nil
	}
	return time.Unix(body.ExpiresAt, 0).UTC(), nil
}

// Logout notifies the server. Callers treat any failure as best effort.
func (client *Client) Logout(ctx context.Context, userID string) error {
	response, err := client.Request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(logoutRequest{UserID: userID}).
		Post(client.endpoints.Logout)
	if err != nil {
		return autherr.Wrap(autherr.KindNetwork, "logout request failed", err)
	}
	if !response.IsSuccess() {
		return statusError(autherr.KindInvalidResponse, response, "Logout failed")
	}
	return nil
}

// Profile fetches the current user. 401 is auth.unauthorized; any other
// non-2xx or an unparseable body is auth.invalid_response.
func (client *Client) Profile(ctx context.Context) (User, error) {
	response, err := client.Request(ctx).Get(client.endpoints.Profile)
	if err != nil {
		return User{}, autherr.Wrap(autherr.KindNetwork, "profile request failed", err)
	}
	if response.StatusCode() == http.StatusUnauthorized {
		return User{}, statusError(autherr.KindUnauthorized, response, "Not authenticated")
	}
	if !response.IsSuccess() {
		return User{}, statusError(autherr.KindInvalidResponse, response, "Profile request failed")
	}
	return decodeProfile(response.Body())
}

// CSRFToken fetches an anti-forgery token from the server.
func (client *Client) CSRFToken(ctx context.Context) (string, error) {
	response, err := client.http.NewRequest().SetContext(ctx).Get(client.endpoints.CSRF)
	if err != nil {
		return "", autherr.Wrap(autherr.KindNetwork, "csrf request failed", err)
	}
	if !response.IsSuccess() {
		return "", statusError(autherr.KindInvalidResponse, response, "CSRF request failed")
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if decodeErr := json.Unmarshal(response.Body(), &body); decodeErr != nil || body.CSRFToken == "" {
		return "", autherr.Wrap(autherr.KindInvalidResponse, "csrf response has no token", decodeErr)
	}
	return body.CSRFToken, nil
}

func decodeProfile(payload []byte) (User, error) {
	var envelope profileEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return User{}, autherr.Wrap(autherr.KindInvalidResponse, "profile response is not valid JSON", err)
	}
	switch {
	case envelope.User != nil:
		return *envelope.User, nil
	case envelope.Profile != nil:
		return *envelope.Profile, nil
	}
	var flat User
	if err := json.Unmarshal(payload, &flat); err != nil {
		return User{}, autherr.Wrap(autherr.KindInvalidResponse, "profile response is not valid JSON", err)
	}
	if flat.UserID == "" && flat.Email == "" {
		return User{}, autherr.New(autherr.KindInvalidResponse, "profile response has no user")
	}
	return flat, nil
}

// statusError reads the server's error or message field, falling back to the raw body.
func statusError(kind autherr.Kind, response *resty.Response, fallback string) *autherr.Error {
	message := fallback
	payload := response.Body()
	var body errorBody
	if err := json.Unmarshal(payload, &body); err == nil {
		switch {
		case body.Error != "":
			message = body.Error
		case body.Message != "":
			message = body.Message
		}
	} else if text := strings.TrimSpace(string(payload)); text != "" {
		message = text
	}
	return autherr.FromStatus(kind, response.StatusCode(), message)
}
