package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bnema/tasksync/internal/domain"
	"github.com/bnema/tasksync/internal/gateway"
	"github.com/bnema/tasksync/internal/ports"
)

const maxAuthResponseBytes = 1 << 20

type API struct {
	BaseURL     string
	LoginPath   string
	RefreshPath string
	LogoutPath  string
}

func DefaultAPI(baseURL string) API {
	return API{
		BaseURL:     baseURL,
		LoginPath:   "auth/login",
		RefreshPath: "auth/refresh",
		LogoutPath:  "auth/logout",
	}
}

// Client talks to the auth endpoints directly. It never goes through the
// gateway: a refresh must not itself trigger a refresh.
type Client struct {
	API            API
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

var _ ports.AuthAPI = Client{}

func (c Client) Login(ctx context.Context, credentials domain.Credentials) (domain.TokenGrant, error) {
	if strings.TrimSpace(credentials.Email) == "" || credentials.Password == "" {
		return domain.TokenGrant{}, errors.New("email and password are required")
	}

	var grant domain.TokenGrant
	if err := c.post(ctx, c.API.LoginPath, "", credentials, &grant); err != nil {
		return domain.TokenGrant{}, fmt.Errorf("login: %w", err)
	}
	if grant.AccessToken == "" {
		return domain.TokenGrant{}, errors.New("login response missing access token")
	}
	return grant, nil
}

// Refresh exchanges the refresh token, sent as the bearer credential, for a
// new access token.
func (c Client) Refresh(ctx context.Context, refreshToken string) (domain.TokenGrant, error) {
	if refreshToken == "" {
		return domain.TokenGrant{}, errors.New("refresh token is required")
	}

	var grant domain.TokenGrant
	if err := c.post(ctx, c.API.RefreshPath, refreshToken, nil, &grant); err != nil {
		return domain.TokenGrant{}, fmt.Errorf("refresh tokens: %w", err)
	}
	if grant.AccessToken == "" {
		return domain.TokenGrant{}, errors.New("refresh response missing access token")
	}
	return grant, nil
}

func (c Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.post(ctx, c.API.LogoutPath, accessToken, nil, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c Client) post(ctx context.Context, path string, bearer string, body any, out any) error {
	endpoint, err := buildAPIURL(c.API.BaseURL, path)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	requestCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &domain.APIError{Kind: domain.KindNetwork, Message: "request " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxAuthResponseBytes))
	if err != nil {
		return &domain.APIError{Kind: domain.KindNetwork, Status: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := gateway.DecodeError(resp.StatusCode, payload)
		if resp.StatusCode == http.StatusUnauthorized && bearer == "" {
			// Rejected credentials, not an expired session.
			apiErr.Kind = domain.KindValidation
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	decoded := gateway.DecodeBody(resp.StatusCode, payload)
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}

	requestTimeout := c.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return context.WithTimeout(ctx, requestTimeout)
}

func buildAPIURL(baseURL string, path string) (string, error) {
	if baseURL == "" {
		return "", errors.New("api base url is required")
	}
	if path == "" {
		return "", errors.New("api path is required")
	}

	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.New("api base url must use http or https")
	}
	if parsed.Host == "" {
		return "", errors.New("api base url host is required")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	endpoint, err := parsed.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api path: %w", err)
	}
	return endpoint.String(), nil
}
