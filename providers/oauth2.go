package providers

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/goliatone/go-triage/core"
)

const (
	defaultTokenRequestTimeout = 30 * time.Second
	maxTokenResponseBodyBytes  = 1 << 20 // 1 MiB

	// errorInvalidGrant is the RFC 6749 error code for a refresh or
	// authorization grant the provider will never accept again.
	errorInvalidGrant = "invalid_grant"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type OAuth2Config struct {
	AuthURL             string
	TokenURL            string
	RevokeURL           string
	RedirectURL         string
	ClientID            string
	ClientSecret        string
	ClientSecretInBody  bool
	Scopes              []string
	AuthParams          map[string]string
	TokenTTL            time.Duration
	TokenRequestTimeout time.Duration
	Now                 func() time.Time
	HTTPClient          HTTPDoer
}

// OAuth2Client runs the authorization-code and refresh-token grants against a
// single token endpoint. It implements core.Authorizer, core.TokenExchanger
// and core.Revoker.
type OAuth2Client struct {
	cfg        OAuth2Config
	httpClient HTTPDoer
}

// TokenEndpointError is a non-2xx or error-bearing token endpoint reply.
type TokenEndpointError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenEndpointError) Error() string {
	detail := strings.TrimSpace(e.Description)
	if detail == "" {
		detail = strings.TrimSpace(e.Code)
	}
	if detail == "" {
		detail = "unknown error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("providers: token endpoint error (%d): %s", e.StatusCode, detail)
	}
	return "providers: token endpoint error: " + detail
}

// Unwrap reports core.ErrRefreshRejected for invalid_grant replies.
func (e *TokenEndpointError) Unwrap() error {
	if strings.EqualFold(strings.TrimSpace(e.Code), errorInvalidGrant) {
		return core.ErrRefreshRejected
	}
	return nil
}

func NewOAuth2Client(cfg OAuth2Config) (*OAuth2Client, error) {
	cfg.AuthURL = strings.TrimSpace(cfg.AuthURL)
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.RevokeURL = strings.TrimSpace(cfg.RevokeURL)
	cfg.RedirectURL = strings.TrimSpace(cfg.RedirectURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.AuthURL == "" {
		return nil, fmt.Errorf("providers: auth url is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("providers: token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("providers: client id is required")
	}
	cfg.Scopes = normalizeScopes(cfg.Scopes)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.TokenRequestTimeout <= 0 {
		cfg.TokenRequestTimeout = defaultTokenRequestTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time {
			return time.Now().UTC()
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.TokenRequestTimeout}
	}

	return &OAuth2Client{
		cfg:        cfg,
		httpClient: httpClient,
	}, nil
}

func (c *OAuth2Client) Scopes() []string {
	if c == nil {
		return []string{}
	}
	return append([]string(nil), c.cfg.Scopes...)
}

// AuthorizationURL builds the consent URL for an interactive grant. state is
// echoed back by the provider and must be checked by the caller.
func (c *OAuth2Client) AuthorizationURL(state string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("providers: oauth2 client is nil")
	}
	state = strings.TrimSpace(state)
	if state == "" {
		return "", fmt.Errorf("providers: oauth state is required")
	}

	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", c.cfg.ClientID)
	if c.cfg.RedirectURL != "" {
		values.Set("redirect_uri", c.cfg.RedirectURL)
	}
	if len(c.cfg.Scopes) > 0 {
		values.Set("scope", strings.Join(c.cfg.Scopes, " "))
	}
	values.Set("state", state)
	for key, value := range c.cfg.AuthParams {
		if key = strings.TrimSpace(key); key != "" {
			values.Set(key, strings.TrimSpace(value))
		}
	}

	authURL := c.cfg.AuthURL
	if strings.Contains(authURL, "?") {
		authURL += "&" + values.Encode()
	} else {
		authURL += "?" + values.Encode()
	}
	return authURL, nil
}

// Exchange trades an authorization code for the first credential of userID.
func (c *OAuth2Client) Exchange(ctx context.Context, userID string, code string) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, fmt.Errorf("providers: oauth2 client is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.Credential{}, fmt.Errorf("providers: user id is required")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return core.Credential{}, fmt.Errorf("providers: auth code is required")
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	if c.cfg.RedirectURL != "" {
		form.Set("redirect_uri", c.cfg.RedirectURL)
	}

	token, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.Credential{}, err
	}

	now := c.cfg.Now().UTC()
	scopes := normalizeScopes(parseScopeList(token.Scope))
	if len(scopes) == 0 {
		scopes = append([]string(nil), c.cfg.Scopes...)
	}
	return core.Credential{
		UserID:       userID,
		TokenType:    normalizeTokenType(token.TokenType),
		AccessToken:  strings.TrimSpace(token.AccessToken),
		RefreshToken: strings.TrimSpace(token.RefreshToken),
		Scopes:       scopes,
		ExpiresAt:    c.resolveExpiresAt(now, token.expiresIn()),
		IssuedAt:     now,
	}, nil
}

// Refresh runs the refresh-token grant. An invalid_grant reply wraps
// core.ErrRefreshRejected; every other failure is left retryable.
func (c *OAuth2Client) Refresh(ctx context.Context, credential core.Credential) (core.Credential, error) {
	if c == nil {
		return core.Credential{}, fmt.Errorf("providers: oauth2 client is nil")
	}
	refreshToken := strings.TrimSpace(credential.RefreshToken)
	if refreshToken == "" {
		return core.Credential{}, fmt.Errorf("providers: refresh token is required: %w", core.ErrRefreshRejected)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	token, err := c.fetchToken(ctx, form)
	if err != nil {
		return core.Credential{}, err
	}

	now := c.cfg.Now().UTC()
	refreshed := credential.Clone()
	refreshed.TokenType = normalizeTokenType(token.TokenType)
	refreshed.AccessToken = strings.TrimSpace(token.AccessToken)
	if next := strings.TrimSpace(token.RefreshToken); next != "" {
		refreshed.RefreshToken = next
	}
	if scopes := normalizeScopes(parseScopeList(token.Scope)); len(scopes) > 0 {
		refreshed.Scopes = scopes
	}
	refreshed.ExpiresAt = c.resolveExpiresAt(now, token.expiresIn())
	refreshed.IssuedAt = now
	return refreshed, nil
}

// Revoke asks the provider to drop the grant behind credential. A missing
// revoke endpoint is a no-op.
func (c *OAuth2Client) Revoke(ctx context.Context, credential core.Credential) error {
	if c == nil {
		return fmt.Errorf("providers: oauth2 client is nil")
	}
	if c.cfg.RevokeURL == "" {
		return nil
	}
	token := strings.TrimSpace(credential.RefreshToken)
	if token == "" {
		token = strings.TrimSpace(credential.AccessToken)
	}
	if token == "" {
		return fmt.Errorf("providers: credential has no token to revoke")
	}

	reply, err := c.postForm(ctx, c.cfg.RevokeURL, url.Values{"token": {token}}, false)
	if err != nil {
		return fmt.Errorf("providers: revoke request failed: %w", err)
	}
	if reply.ok() {
		return nil
	}
	payload, _ := reply.decode()
	// Already revoked or expired grants are reported as invalid_token.
	if strings.EqualFold(payload.Error, "invalid_token") {
		return nil
	}
	return payload.endpointError(reply.status)
}

func (c *OAuth2Client) fetchToken(ctx context.Context, form url.Values) (tokenReply, error) {
	form.Set("client_id", c.cfg.ClientID)
	if c.cfg.ClientSecretInBody && c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}
	reply, err := c.postForm(ctx, c.cfg.TokenURL, form, !c.cfg.ClientSecretInBody)
	if err != nil {
		return tokenReply{}, fmt.Errorf("providers: token request failed: %w", err)
	}
	payload, decodeErr := reply.decode()
	switch {
	case !reply.ok():
		return tokenReply{}, payload.endpointError(reply.status)
	case decodeErr != nil:
		return tokenReply{}, fmt.Errorf("providers: decode token response: %w", decodeErr)
	case payload.Error != "":
		return tokenReply{}, payload.endpointError(0)
	case payload.AccessToken == "":
		return tokenReply{}, fmt.Errorf("providers: token endpoint response missing access token")
	}
	return payload, nil
}

func (c *OAuth2Client) resolveExpiresAt(now time.Time, expiresIn int64) time.Time {
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return now.Add(c.cfg.TokenTTL)
}

type endpointReply struct {
	status      int
	contentType string
	body        []byte
}

func (r endpointReply) ok() bool {
	return r.status >= http.StatusOK && r.status < http.StatusMultipleChoices
}

// postForm sends a form encoded POST and buffers at most
// maxTokenResponseBodyBytes of the reply.
func (c *OAuth2Client) postForm(ctx context.Context, endpoint string, form url.Values, basicAuth bool) (endpointReply, error) {
	if c.httpClient == nil {
		return endpointReply{}, fmt.Errorf("providers: oauth2 http client is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TokenRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return endpointReply{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicAuth && c.cfg.ClientSecret != "" {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return endpointReply{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxTokenResponseBodyBytes+1))
	if err != nil {
		return endpointReply{}, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > maxTokenResponseBodyBytes {
		return endpointReply{}, fmt.Errorf("response exceeds %d bytes", maxTokenResponseBodyBytes)
	}
	return endpointReply{status: res.StatusCode, contentType: res.Header.Get("Content-Type"), body: body}, nil
}

// tokenReply is the token endpoint body. Google answers with JSON; form
// encoded replies are accepted for older endpoints.
type tokenReply struct {
	AccessToken      string      `json:"access_token"`
	TokenType        string      `json:"token_type"`
	RefreshToken     string      `json:"refresh_token"`
	Scope            string      `json:"scope"`
	ExpiresIn        json.Number `json:"expires_in"`
	Error            string      `json:"error"`
	ErrorDescription string      `json:"error_description"`
}

func (r endpointReply) decode() (tokenReply, error) {
	if len(bytes.TrimSpace(r.body)) == 0 {
		return tokenReply{}, errors.New("empty payload")
	}
	var out tokenReply
	ctype := strings.ToLower(r.contentType)
	if strings.Contains(ctype, "x-www-form-urlencoded") || strings.Contains(ctype, "text/plain") {
		values, err := url.ParseQuery(string(r.body))
		if err != nil {
			return tokenReply{}, err
		}
		out = tokenReply{
			AccessToken:      values.Get("access_token"),
			TokenType:        values.Get("token_type"),
			RefreshToken:     values.Get("refresh_token"),
			Scope:            values.Get("scope"),
			ExpiresIn:        json.Number(values.Get("expires_in")),
			Error:            values.Get("error"),
			ErrorDescription: values.Get("error_description"),
		}
	} else if err := json.Unmarshal(r.body, &out); err != nil {
		return tokenReply{}, err
	}
	out.AccessToken = strings.TrimSpace(out.AccessToken)
	out.RefreshToken = strings.TrimSpace(out.RefreshToken)
	out.Error = strings.TrimSpace(out.Error)
	return out, nil
}

func (r tokenReply) expiresIn() int64 {
	seconds, err := r.ExpiresIn.Int64()
	if err != nil {
		return 0
	}
	return seconds
}

func (r tokenReply) endpointError(status int) *TokenEndpointError {
	return &TokenEndpointError{StatusCode: status, Code: r.Error, Description: strings.TrimSpace(r.ErrorDescription)}
}

func normalizeTokenType(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "bearer"
	}
	return normalized
}

func parseScopeList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return []string{}
	}
	return strings.Fields(strings.ReplaceAll(trimmed, ",", " "))
}

// normalizeScopes trims and dedupes while keeping the first-seen order.
func normalizeScopes(input []string) []string {
	values := make([]string, 0, len(input))
	for _, value := range input {
		value = strings.TrimSpace(value)
		if value == "" || slices.Contains(values, value) {
			continue
		}
		values = append(values, value)
	}
	return values
}

// NewState returns a random URL-safe value for the OAuth state parameter.
func NewState() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("providers: generate oauth state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

var (
	_ core.Authorizer     = (*OAuth2Client)(nil)
	_ core.TokenExchanger = (*OAuth2Client)(nil)
	_ core.Revoker        = (*OAuth2Client)(nil)
)
