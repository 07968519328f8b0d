package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/model"
	autherrors "SessionGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/net/proxy"
)

const (
	// DefaultAuthTimeout 默认请求超时
	DefaultAuthTimeout = 8 * time.Second

	// UserAgent SessionGuard 的 User-Agent
	UserAgent = "SessionGuard/1.0"

	maxErrorBody = 4 << 10
)

// Remote operation names carried by classified errors.
const (
	opLogin    = "login"
	opValidate = "validate_session"
	opRefresh  = "refresh_session"
	opProfile  = "fetch_profile"
)

// sessionResponse is the body of login and refresh responses
type sessionResponse struct {
	UserID       string          `json:"user_id"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	ExpiresIn    int64           `json:"expires_in,omitempty"` // 秒
	Profile      *profilePayload `json:"profile,omitempty"`
}

type profilePayload struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	FullName    string    `json:"full_name"`
	Role        string    `json:"role"`
	TenantID    string    `json:"tenant_id"`
	Permissions []string  `json:"permissions"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// errorResponse is the error body of the auth service
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// HTTPAuthClient implements biz.AuthService against the remote auth service
// JSON API. Every failure is returned as a classified *errors.AuthError.
type HTTPAuthClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
	logger  *log.Helper
}

// NewHTTPAuthClient creates the auth service client from configuration.
// ProxyURL supports socks5, socks5h, http and https schemes.
func NewHTTPAuthClient(c *conf.Auth, logger log.Logger) (*HTTPAuthClient, error) {
	if c == nil || c.BaseURL == "" {
		return nil, fmt.Errorf("auth base URL is required")
	}
	if _, err := url.ParseRequestURI(c.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid auth base URL: %w", err)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}

	client, err := createHTTPClient(c.ProxyURL, timeout)
	if err != nil {
		return nil, err
	}

	return &HTTPAuthClient{
		baseURL: strings.TrimSuffix(c.BaseURL, "/"),
		apiKey:  c.APIKey,
		client:  client,
		now:     time.Now,
		logger:  log.NewHelper(log.With(logger, "module", "data/auth_client")),
	}, nil
}

// Login exchanges credentials for a session.
func (c *HTTPAuthClient) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	body := map[string]string{
		"email":     creds.Email,
		"password":  creds.Password,
		"tenant_id": creds.TenantID,
	}
	var resp sessionResponse
	if err := c.do(ctx, opLogin, http.MethodPost, "/v1/auth/login", "", body, &resp); err != nil {
		return nil, err
	}
	return c.toSession(opLogin, &resp)
}

// ValidateSession asks the auth service whether token is still valid.
func (c *HTTPAuthClient) ValidateSession(ctx context.Context, token string) error {
	if token == "" {
		return autherrors.Unauthorized(opValidate, "empty session token")
	}
	return c.do(ctx, opValidate, http.MethodGet, "/v1/auth/session", token, nil, nil)
}

// RefreshSession exchanges a refresh token for a new session.
func (c *HTTPAuthClient) RefreshSession(ctx context.Context, refreshToken string) (*model.Session, error) {
	if refreshToken == "" {
		return nil, autherrors.Unauthorized(opRefresh, "empty refresh token")
	}
	body := map[string]string{"refresh_token": refreshToken}
	var resp sessionResponse
	if err := c.do(ctx, opRefresh, http.MethodPost, "/v1/auth/refresh", "", body, &resp); err != nil {
		return nil, err
	}
	return c.toSession(opRefresh, &resp)
}

// FetchProfile loads the authoritative profile of userID.
func (c *HTTPAuthClient) FetchProfile(ctx context.Context, userID string) (*model.Profile, error) {
	if userID == "" {
		return nil, autherrors.Validation(opProfile, "empty user id")
	}
	var p profilePayload
	path := "/v1/users/" + url.PathEscape(userID) + "/profile"
	if err := c.do(ctx, opProfile, http.MethodGet, path, "", nil, &p); err != nil {
		return nil, err
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	return p.toModel(), nil
}

// do sends one request and decodes a 2xx JSON body into out.
func (c *HTTPAuthClient) do(ctx context.Context, op, method, path, bearer string, in, out interface{}) error {
	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return autherrors.Wrap(autherrors.KindValidation, op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return autherrors.Wrap(autherrors.KindValidation, op, err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return autherrors.Classify(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		authErr := autherrors.New(autherrors.ClassifyHTTPStatus(resp.StatusCode), op, errorMessage(raw, resp.Status))
		authErr.StatusCode = resp.StatusCode
		c.logger.WithContext(ctx).Debugw("msg", "auth service returned error",
			"op", op,
			"status", resp.StatusCode,
			"kind", authErr.Kind.String())
		return authErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return autherrors.Classify(op, ctxErr)
		}
		// 服务端返回了无法解析的响应
		return autherrors.Wrap(autherrors.KindServer, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *HTTPAuthClient) toSession(op string, resp *sessionResponse) (*model.Session, error) {
	if resp.AccessToken == "" || resp.UserID == "" {
		return nil, autherrors.Server(op, "response without user id or access token")
	}
	s := &model.Session{
		UserID:       resp.UserID,
		Token:        resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}
	switch {
	case resp.ExpiresAt != nil:
		s.ExpiresAt = *resp.ExpiresAt
	case resp.ExpiresIn > 0:
		s.ExpiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	if resp.Profile != nil {
		s.Profile = resp.Profile.toModel()
	}
	return s, nil
}

func (p *profilePayload) toModel() *model.Profile {
	return &model.Profile{
		UserID:      p.UserID,
		Email:       p.Email,
		FullName:    p.FullName,
		Role:        p.Role,
		TenantID:    p.TenantID,
		Permissions: p.Permissions,
		UpdatedAt:   p.UpdatedAt,
	}
}

func errorMessage(raw []byte, status string) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return status
}

// createHTTPClient 创建支持代理的 HTTP 客户端
func createHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}

		switch parsed.Scheme {
		case "socks5", "socks5h":
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
			}
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				transport.DialContext = cd.DialContext
			} else {
				transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				}
			}

		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)

		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s (supported: socks5, http, https)", parsed.Scheme)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
