// Package recordstore talks to the external record store that owns account
// records: admin authentication, password reset and token introspection.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"hearth/internal/token"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/requestcontext"
)

const (
	adminAuthPath      = "/api/collections/_superusers/auth-with-password"
	resetRequestPath   = "/api/collections/users/request-password-reset"
	resetConfirmPath   = "/api/collections/users/confirm-password-reset"
	authRefreshPath    = "/api/collections/users/auth-refresh"
	adminTokenLifetime = 10 * time.Minute
	maxResponseBytes   = 1 << 20
)

type Client struct {
	baseURL       string
	adminEmail    string
	adminPassword string
	http          *http.Client
	logger        *slog.Logger
	tracer        trace.Tracer
	now           func() time.Time

	group      singleflight.Group
	mu         sync.Mutex
	adminToken string
	adminUntil time.Time
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

func WithAdminCredentials(email, password string) Option {
	return func(cl *Client) {
		cl.adminEmail = email
		cl.adminPassword = password
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  slog.Default(),
		tracer:  otel.Tracer("hearth/recordstore"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record is the subset of an account record the gateway reads.
type Record struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type authResponse struct {
	Token  string `json:"token"`
	Record Record `json:"record"`
}

// AdminToken returns a cached admin token, authenticating when it is missing
// or stale. Concurrent callers share one authentication round trip.
func (c *Client) AdminToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.adminToken != "" && c.now().Before(c.adminUntil) {
		tok := c.adminToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	if c.adminEmail == "" || c.adminPassword == "" {
		return "", dErrors.New(dErrors.CodeUpstream, "record store admin credentials are not configured")
	}

	v, err, _ := c.group.Do("admin", func() (any, error) {
		var resp authResponse
		err := c.do(ctx, "recordstore.admin_auth", adminAuthPath, "", map[string]string{
			"identity": c.adminEmail,
			"password": c.adminPassword,
		}, &resp)
		if err != nil {
			return "", err
		}
		if resp.Token == "" {
			return "", dErrors.New(dErrors.CodeUpstream, "record store returned no admin token")
		}
		c.mu.Lock()
		c.adminToken = resp.Token
		c.adminUntil = c.now().Add(adminTokenLifetime)
		c.mu.Unlock()
		return resp.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) invalidateAdminToken() {
	c.mu.Lock()
	c.adminToken = ""
	c.mu.Unlock()
}

// RequestPasswordReset asks the record store to email a reset link.
func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	if strings.TrimSpace(email) == "" {
		return dErrors.New(dErrors.CodeBadRequest, "email is required")
	}
	adminToken, err := c.AdminToken(ctx)
	if err != nil {
		return err
	}
	err = c.do(ctx, "recordstore.request_password_reset", resetRequestPath, adminToken,
		map[string]string{"email": email}, nil)
	if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		c.invalidateAdminToken()
		return dErrors.Wrap(err, dErrors.CodeUpstream, "record store rejected admin credentials")
	}
	return err
}

// ConfirmPasswordReset completes a reset. Mismatched passwords are rejected
// locally without contacting the record store.
func (c *Client) ConfirmPasswordReset(ctx context.Context, resetToken, password, passwordConfirm string) error {
	if resetToken == "" || password == "" {
		return dErrors.New(dErrors.CodeBadRequest, "token and password are required")
	}
	if password != passwordConfirm {
		return dErrors.New(dErrors.CodeBadRequest, "passwords do not match")
	}
	err := c.do(ctx, "recordstore.confirm_password_reset", resetConfirmPath, "", map[string]string{
		"token":           resetToken,
		"password":        password,
		"passwordConfirm": passwordConfirm,
	}, nil)
	if dErrors.HasCode(err, dErrors.CodeUnauthorized) {
		return dErrors.New(dErrors.CodeBadRequest, "reset token is invalid or expired")
	}
	return err
}

// AuthRefresh asks the record store whether it still honours userToken.
func (c *Client) AuthRefresh(ctx context.Context, userToken string) (Record, error) {
	var resp authResponse
	if err := c.do(ctx, "recordstore.auth_refresh", authRefreshPath, userToken, nil, &resp); err != nil {
		return Record{}, err
	}
	return resp.Record, nil
}

// Introspect adapts AuthRefresh for token.DelegatedVerifier.
func (c *Client) Introspect(ctx context.Context, userToken string) (token.RemoteIdentity, error) {
	rec, err := c.AuthRefresh(ctx, userToken)
	if err != nil {
		return token.RemoteIdentity{}, err
	}
	return token.RemoteIdentity{ID: rec.ID, DisplayName: rec.Name, Role: rec.Role}, nil
}

// do POSTs body as JSON and decodes the response into out when non-nil.
// 401/403/404 map to Unauthorized, 400 to BadRequest, everything else that
// is not 2xx to UpstreamFailure.
func (c *Client) do(ctx context.Context, spanName, path, authToken string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("http.route", path),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fail(dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode record store request"))
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fail(dErrors.Wrap(err, dErrors.CodeUpstream, "record store is misconfigured"))
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", authToken)
	}
	if id := requestcontext.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "record store unreachable", "path", path, "error", err)
		return fail(dErrors.Wrap(err, dErrors.CodeUpstream, "record store unreachable"))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(dErrors.Wrap(err, dErrors.CodeUpstream, "failed to read record store response"))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusNotFound:
		return fail(dErrors.New(dErrors.CodeUnauthorized, "record store rejected the credential"))
	case resp.StatusCode == http.StatusBadRequest:
		return fail(dErrors.New(dErrors.CodeBadRequest, "record store rejected the request"))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.ErrorContext(ctx, "record store error", "path", path, "status", resp.StatusCode)
		return fail(dErrors.New(dErrors.CodeUpstream, fmt.Sprintf("record store returned status %d", resp.StatusCode)))
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fail(dErrors.Wrap(err, dErrors.CodeUpstream, "malformed record store response"))
	}
	return nil
}
