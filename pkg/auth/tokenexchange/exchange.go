// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenexchange implements the OAuth 2.0 Token Exchange (RFC 8693)
// client used to trade a validated identity token for an authorization token
// carrying role claims.
package tokenexchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tokenbridge/pkg/logger"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// tokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// defaultHTTPTimeout is the timeout for HTTP requests
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Error, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// defaultHTTPClient is the default HTTP client used for token exchange requests.
var defaultHTTPClient = &http.Client{
	Timeout: defaultHTTPTimeout,
}

// exchangeRequest contains fields necessary to make an OAuth 2.0 token exchange.
// Based on RFC 8693: https://datatracker.ietf.org/doc/html/rfc8693
type exchangeRequest struct {
	// Required fields
	GrantType          string
	SubjectToken       string
	SubjectTokenType   string
	RequestedTokenType string

	// Optional fields
	Audience string
	Scope    []string
}

// String implements fmt.Stringer for exchangeRequest, redacting the subject token.
func (r exchangeRequest) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}

	return fmt.Sprintf("exchangeRequest{GrantType: %s, Audience: %s, Scope: %v, SubjectToken: %s}",
		r.GrantType, r.Audience, r.Scope, subjectToken)
}

// response is used to decode the remote server response during an OAuth 2.0 token exchange.
type response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
	RefreshToken    string `json:"refresh_token"`
}

// String implements fmt.Stringer for response, redacting sensitive tokens.
func (r response) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}

	return fmt.Sprintf("response{AccessToken: %s, TokenType: %s, ExpiresIn: %d}",
		accessToken, r.TokenType, r.ExpiresIn)
}

// Config holds the configuration for the token exchange client.
type Config struct {
	// TokenURL is the OAuth 2.0 token endpoint URL
	TokenURL string

	// ClientID is the OAuth 2.0 client identifier
	ClientID string

	// ClientSecret is the OAuth 2.0 client secret
	ClientSecret string

	// Audience is the target audience for the exchanged token (optional per RFC 8693)
	Audience string

	// Scopes is the list of scopes to request (optional per RFC 8693)
	Scopes []string

	// HTTPClient is the HTTP client to use for token exchange requests.
	// If nil, defaultHTTPClient will be used.
	HTTPClient *http.Client
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}

	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}

	// Validate URL format
	_, err := url.Parse(c.TokenURL)
	if err != nil {
		return fmt.Errorf("TokenURL is not a valid URL: %w", err)
	}

	return nil
}

// Client performs RFC 8693 token exchanges against a single token endpoint.
type Client struct {
	conf       Config
	httpClient *http.Client
}

// NewClient creates a token exchange client from the given configuration.
func NewClient(conf Config) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exchange config: %w", err)
	}

	httpClient := conf.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	return &Client{
		conf:       conf,
		httpClient: httpClient,
	}, nil
}

// Exchange trades the given subject token for an authorization token.
//
// Failures are classified through the package sentinel errors:
// ErrExchangeRejected when the provider refuses the request (4xx),
// ErrExchangeUnreachable when the provider cannot be reached or fails
// internally (network error, timeout, 5xx), and ErrExchangeResponseInvalid
// when a success response cannot be parsed into a usable token.
func (c *Client) Exchange(ctx context.Context, subjectToken string) (*ExchangedToken, error) {
	request := &exchangeRequest{
		GrantType:          grantTypeTokenExchange,
		SubjectToken:       subjectToken,
		SubjectTokenType:   tokenTypeAccessToken,
		RequestedTokenType: tokenTypeAccessToken,
		Audience:           c.conf.Audience,
		Scope:              c.conf.Scopes,
	}

	data, err := buildTokenExchangeFormData(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeRejected, err)
	}

	req, err := createTokenExchangeRequest(ctx, c.conf.TokenURL, data, c.conf.ClientID, c.conf.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeUnreachable, err)
	}

	body, err := c.executeTokenExchangeRequest(req)
	if err != nil {
		return nil, err
	}

	tokenResp, err := parseTokenExchangeResponse(body)
	if err != nil {
		return nil, err
	}

	return buildExchangedToken(tokenResp)
}

// buildTokenExchangeFormData constructs the form data for a token exchange request according to RFC 8693.
func buildTokenExchangeFormData(request *exchangeRequest) (url.Values, error) {
	data := url.Values{}

	data.Set("grant_type", request.GrantType)

	// Subject token is required
	if request.SubjectToken == "" {
		return nil, fmt.Errorf("subject_token is required")
	}
	data.Set("subject_token", request.SubjectToken)
	data.Set("subject_token_type", request.SubjectTokenType)
	data.Set("requested_token_type", request.RequestedTokenType)

	if request.Audience != "" {
		data.Set("audience", request.Audience)
	}
	if len(request.Scope) > 0 {
		data.Set("scope", strings.Join(request.Scope, " "))
	}

	return data, nil
}

// createTokenExchangeRequest creates an HTTP POST request for token exchange.
// Client credentials are sent via HTTP Basic Authentication as recommended by RFC 6749 Section 2.3.1.
func createTokenExchangeRequest(
	ctx context.Context,
	endpoint string,
	data url.Values,
	clientID, clientSecret string,
) (*http.Request, error) {
	encodedData := data.Encode()
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(encodedData))
	if err != nil {
		return nil, fmt.Errorf("failed to create token exchange request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encodedData)))

	// Add client authentication via HTTP Basic Auth per RFC 6749 Section 2.3.1
	// Per RFC 6749 and Go's SetBasicAuth documentation, credentials must be URL-encoded
	// before being passed to SetBasicAuth for OAuth2 compatibility
	if clientID != "" && clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}

	return req, nil
}

// executeTokenExchangeRequest sends the HTTP request and returns the response body.
func (c *Client) executeTokenExchangeRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrExchangeUnreachable, err)
	}

	if err := validateResponseStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

// validateResponseStatus checks the HTTP status code and classifies failures.
// A 4xx status is a terminal rejection; a 5xx status is treated as transient.
func validateResponseStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode <= 299 {
		return nil
	}

	class := ErrExchangeRejected
	if statusCode >= 500 {
		class = ErrExchangeUnreachable
	}

	// Try to parse as OAuth error first
	if oauthErr := parseOAuthError(statusCode, body); oauthErr != nil {
		logger.Debugf("Token exchange OAuth error: %s (description: %s)", oauthErr.Error, oauthErr.ErrorDescription)
		return fmt.Errorf("%w: %s", class, oauthErr.String())
	}

	logger.Debugf("Token exchange failed with status %d: %s", statusCode, string(body))
	return fmt.Errorf("%w: status %d", class, statusCode)
}

// parseTokenExchangeResponse parses the token exchange response body.
func parseTokenExchangeResponse(body []byte) (*response, error) {
	var tokenResp response
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		logger.Debugf("Failed to parse token exchange response: %v", err)
		return nil, fmt.Errorf("%w: malformed response body", ErrExchangeResponseInvalid)
	}

	return &tokenResp, nil
}

// buildExchangedToken validates the decoded exchange response and extracts
// the role claims carried by the returned authorization token.
func buildExchangedToken(resp *response) (*ExchangedToken, error) {
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("%w: server returned empty access_token", ErrExchangeResponseInvalid)
	}
	if resp.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: server returned no token lifetime", ErrExchangeResponseInvalid)
	}

	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	claims := jwt.MapClaims{}
	// The authorization token was just minted by the provider we authenticated
	// to over TLS; its claims are read without a second signature check.
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, claims); err != nil {
		return nil, fmt.Errorf("%w: access_token is not a decodable JWT: %w", ErrExchangeResponseInvalid, err)
	}

	roles, err := realmRoles(claims)
	if err != nil {
		return nil, err
	}

	resourceRoles, err := resourceRolesByClient(claims)
	if err != nil {
		return nil, err
	}

	token := &ExchangedToken{
		AccessToken:   resp.AccessToken,
		TokenType:     tokenType,
		ExpiresAt:     time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Roles:         roles,
		ResourceRoles: resourceRoles,
	}
	if sub, err := claims.GetSubject(); err == nil {
		token.Subject = sub
	}
	if iss, err := claims.GetIssuer(); err == nil {
		token.Issuer = iss
	}

	return token, nil
}

// realmRoles extracts realm-level roles from the realm_access claim.
// An absent claim yields no roles; a present but malformed claim is an error.
func realmRoles(claims jwt.MapClaims) ([]string, error) {
	raw, ok := claims["realm_access"]
	if !ok {
		return nil, nil
	}

	access, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: realm_access claim is not an object", ErrExchangeResponseInvalid)
	}

	if _, ok := access["roles"]; !ok {
		return nil, nil
	}

	roles, err := stringSlice(access["roles"])
	if err != nil {
		return nil, fmt.Errorf("%w: realm_access.roles: %w", ErrExchangeResponseInvalid, err)
	}
	return roles, nil
}

// resourceRolesByClient extracts per-resource roles from the resource_access claim.
func resourceRolesByClient(claims jwt.MapClaims) (map[string][]string, error) {
	raw, ok := claims["resource_access"]
	if !ok {
		return nil, nil
	}

	access, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: resource_access claim is not an object", ErrExchangeResponseInvalid)
	}

	result := make(map[string][]string, len(access))
	for resource, entry := range access {
		entryMap, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: resource_access[%s] is not an object", ErrExchangeResponseInvalid, resource)
		}
		if _, ok := entryMap["roles"]; !ok {
			continue
		}
		roles, err := stringSlice(entryMap["roles"])
		if err != nil {
			return nil, fmt.Errorf("%w: resource_access[%s].roles: %w", ErrExchangeResponseInvalid, resource, err)
		}
		result[resource] = roles
	}

	if len(result) == 0 {
		return nil, nil
	}
	return result, nil
}

// stringSlice converts a decoded JSON array into a string slice.
func stringSlice(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("not an array")
	}

	result := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("element %v is not a string", item)
		}
		result = append(result, s)
	}
	return result, nil
}
