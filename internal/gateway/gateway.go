package gateway

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
	"github.com/google/uuid"
)

const (
	CorrelationHeader     = "X-Correlation-Id"
	DefaultRequestTimeout = 30 * time.Second
	maxResponseBytes      = 4 << 20
)

type Logger interface {
	Printf(format string, args ...any)
}

// Session is the part of the session manager the gateway needs.
type Session interface {
	AccessToken() string
	// RefreshToken replaces stale, or returns the current token if it no
	// longer equals stale.
	RefreshToken(ctx context.Context, stale string) (string, error)
	ExpireToken(token string, cause error) bool
	ExpiringSoon(skew time.Duration) bool
}

// Sender issues one logical request. *Gateway is the only production
// implementation.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	Header http.Header
	// Anonymous requests carry no bearer token and skip the refresh path.
	Anonymous bool
}

type Response struct {
	Status  int
	Data    json.RawMessage
	Meta    json.RawMessage
	Message string
}

type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// RefreshSkew enables a refresh before sending when the access token
	// expiry estimate is this close. Zero disables it.
	RefreshSkew time.Duration
	Logger      Logger
}

type Gateway struct {
	session Session
	baseURL *url.URL
	client  *http.Client
	timeout time.Duration
	skew    time.Duration
	logger  Logger
}

var _ Sender = (*Gateway)(nil)

func New(session Session, opts Options) (*Gateway, error) {
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Gateway{
		session: session,
		baseURL: base,
		client:  client,
		timeout: timeout,
		skew:    opts.RefreshSkew,
		logger:  opts.Logger,
	}, nil
}

// Send issues req with the current access token. A 401 triggers one shared
// refresh and exactly one retry; a second 401 or a failed refresh expires the
// session and returns an error matching domain.ErrSessionExpired.
func (g *Gateway) Send(ctx context.Context, req Request) (Response, error) {
	correlationID := uuid.NewString()
	if req.Anonymous {
		return g.do(ctx, req, "", correlationID)
	}

	token := g.session.AccessToken()
	if token == "" {
		return Response{}, domain.ErrSessionExpired
	}
	if g.skew > 0 && g.session.ExpiringSoon(g.skew) {
		refreshed, err := g.session.RefreshToken(ctx, token)
		if err != nil {
			return Response{}, err
		}
		token = refreshed
	}

	resp, err := g.do(ctx, req, token, correlationID)
	if !unauthorized(err) {
		return resp, err
	}

	retryToken, err := g.session.RefreshToken(ctx, token)
	if err != nil {
		return Response{}, err
	}

	resp, err = g.do(ctx, req, retryToken, correlationID)
	if unauthorized(err) {
		if g.session.ExpireToken(retryToken, err) {
			g.logf("gateway: %s %s rejected after refresh, session expired", req.Method, req.Path)
		}
		return Response{}, fmt.Errorf("%w: %s %s: %v", domain.ErrSessionExpired, req.Method, req.Path, err)
	}
	return resp, err
}

func (g *Gateway) do(ctx context.Context, req Request, token string, correlationID string) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	endpoint, err := g.resolve(req.Path, req.Query)
	if err != nil {
		return Response{}, err
	}

	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return Response{}, fmt.Errorf("encode %s %s body: %w", method, req.Path, err)
		}
		body = bytes.NewReader(payload)
	}

	requestCtx, cancel := g.requestContext(ctx)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(requestCtx, method, endpoint, body)
	if err != nil {
		return Response{}, fmt.Errorf("create %s %s request: %w", method, req.Path, err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(CorrelationHeader, correlationID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("%s %s: %w", method, req.Path, ctxErr)
		}
		return Response{}, &domain.APIError{
			Kind:    domain.KindNetwork,
			Message: fmt.Sprintf("%s %s failed", method, req.Path),
			Err:     err,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &domain.APIError{
			Kind:    domain.KindNetwork,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("read %s %s response", method, req.Path),
			Err:     err,
		}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := DecodeError(resp.StatusCode, payload)
		if req.Anonymous && resp.StatusCode == http.StatusUnauthorized {
			// Without a token a 401 means rejected credentials, not an
			// expired session.
			apiErr.Kind = domain.KindValidation
		}
		return Response{Status: resp.StatusCode}, apiErr
	}

	return DecodeBody(resp.StatusCode, payload), nil
}

func (g *Gateway) resolve(path string, query url.Values) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("api path is required")
	}
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api path: %w", err)
	}
	endpoint := g.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	return endpoint.String(), nil
}

func (g *Gateway) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

// Do sends req and decodes the unwrapped data into T. An empty body yields
// the zero value.
func Do[T any](ctx context.Context, sender Sender, req Request) (T, error) {
	var out T
	resp, err := sender.Send(ctx, req)
	if err != nil {
		return out, err
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s %s response: %w", req.Method, req.Path, err)
	}
	return out, nil
}

func unauthorized(err error) bool {
	var apiErr *domain.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// parseBaseURL always returns a URL whose path ends in "/" so relative
// resource paths resolve beneath it.
func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errors.New("api base url is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.New("api base url must use http or https")
	}
	if parsed.Host == "" {
		return nil, errors.New("api base url host is required")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	return parsed, nil
}
