// Package warpapi talks to the Warp backend: Firebase token refresh and
// the GraphQL endpoint serving per-account request quotas.
package warpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/warpgate/warpgate/pkg/logger"
)

const (
	defaultTokenURL   = "https://securetoken.googleapis.com/v1/token"
	defaultGraphQLURL = "https://app.warp.dev/graphql/v2"

	limitInfoQuery = `query GetRequestLimitInfo($requestContext: RequestContext!) {
  user(requestContext: $requestContext) {
    __typename
    ... on UserOutput {
      user {
        requestLimitInfo {
          isUnlimited
          requestsUsedSinceLastRefresh
          requestLimit
          nextRefreshTime
        }
      }
    }
  }
}`
)

// Options configures a Client. Zero values fall back to production defaults.
type Options struct {
	HTTPClient *http.Client
	TokenURL   string
	GraphQLURL string

	// OS identity advertised in the x-warp-os-* headers
	OSCategory string
	OSName     string
	OSVersion  string

	Logger *logger.Logger
}

// Client is a Warp backend API client
type Client struct {
	httpClient *http.Client
	tokenURL   string
	graphqlURL string
	osCategory string
	osName     string
	osVersion  string
	log        *logger.Logger
}

// NewClient creates a Warp API client
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient: opts.HTTPClient,
		tokenURL:   opts.TokenURL,
		graphqlURL: opts.GraphQLURL,
		osCategory: opts.OSCategory,
		osName:     opts.OSName,
		osVersion:  opts.OSVersion,
		log:        opts.Logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.tokenURL == "" {
		c.tokenURL = defaultTokenURL
	}
	if c.graphqlURL == "" {
		c.graphqlURL = defaultGraphQLURL
	}
	if c.osCategory == "" {
		c.osCategory = "Linux"
	}
	if c.log == nil {
		c.log = logger.NewDefault("warpapi")
	}
	return c
}

// RefreshToken exchanges a refresh token for a fresh access token via the
// Firebase secure-token endpoint keyed by the account's API key.
func (c *Client) RefreshToken(ctx context.Context, apiKey, refreshToken string) (*Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.tokenURL + "?key=" + url.QueryEscape(apiKey),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	next := tok.RefreshToken
	if next == "" {
		next = refreshToken
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: next,
		Expiry:       tok.Expiry,
	}, nil
}

// QueryQuota fetches the request limit info for the account owning the
// access token. ErrUnauthorized is returned when the token is rejected.
func (c *Client) QueryQuota(ctx context.Context, accessToken string) (*QuotaInfo, error) {
	payload := graphqlRequest{
		OperationName: "GetRequestLimitInfo",
		Variables: map[string]any{
			"requestContext": map[string]any{
				"osContext": map[string]any{
					"category": c.osCategory,
					"name":     c.osName,
					"version":  c.osVersion,
				},
			},
		},
		Query: limitInfoQuery,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.graphqlURL+"?op=GetRequestLimitInfo", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("x-warp-os-category", c.osCategory)
	req.Header.Set("x-warp-os-name", c.osName)
	req.Header.Set("x-warp-os-version", c.osVersion)
	req.Header.Set("x-warp-manager-request", "true")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quota query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("quota query returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed limitInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("quota response decode failed: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, fmt.Errorf("quota query error: %s", parsed.Errors[0].Message)
	}

	info := parsed.Data.User.User.RequestLimitInfo
	if info == nil {
		return nil, fmt.Errorf("quota response is missing requestLimitInfo")
	}

	quota := &QuotaInfo{
		Used:      info.RequestsUsedSinceLastRefresh,
		Limit:     info.RequestLimit,
		Unlimited: info.IsUnlimited,
	}
	if info.NextRefreshTime != "" {
		if ts, err := time.Parse(time.RFC3339, info.NextRefreshTime); err == nil {
			quota.NextRefresh = ts
		}
	}
	return quota, nil
}
