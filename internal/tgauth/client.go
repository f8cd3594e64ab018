// Package tgauth drives the Telegram QR login endpoints of the HR web app:
// request a QR code, poll the login status, and answer the 2FA prompt.
// The Telegram session itself lives on the server; this package only talks
// to its JSON API.
package tgauth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	appLog "hrslots/internal/log"
)

// Status is the login state reported by the check-auth endpoint.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusTwoFactor Status = "2fa_required"
	StatusWaiting   Status = "waiting"
	StatusTimeout   Status = "timeout"
	StatusError     Status = "error"
)

const (
	csrfCookieName     = "csrftoken"
	csrfHeaderName     = "X-CSRFToken"
	defaultHTTPTimeout = 15 * time.Second
)

var ErrEmptyPassword = errors.New("tgauth: 2fa password is empty")

// APIError is a reply with success=false or an HTTP error status.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.StatusCode != 0 && e.StatusCode != http.StatusOK {
		return fmt.Sprintf("tgauth: %s: %s (http %d)", e.Op, msg, e.StatusCode)
	}
	return fmt.Sprintf("tgauth: %s: %s", e.Op, msg)
}

// User is the Telegram account attached after a successful login.
type User struct {
	ID        int64  `json:"id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// DisplayName renders "First (@username)", the way the login page greets.
func (u *User) DisplayName() string {
	if u == nil {
		return "Пользователь"
	}
	name := u.FirstName
	if name == "" {
		name = "Пользователь"
	}
	if u.Username != "" {
		name += " (@" + u.Username + ")"
	}
	return name
}

// QR is a freshly issued login code.
type QR struct {
	// Image is a data URL (data:image/png;base64,...).
	Image string
	// Redirect is set when the server says the account is already linked.
	Redirect bool
}

// CheckResult is one check-auth reply.
type CheckResult struct {
	Status Status `json:"status"`
	User   *User  `json:"user,omitempty"`
	Error  string `json:"error,omitempty"`
}

type reply struct {
	Success  bool   `json:"success"`
	QRImage  string `json:"qr_image,omitempty"`
	Redirect bool   `json:"redirect,omitempty"`
	User     *User  `json:"user,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Client talks to the /telegram/api/ endpoints.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	csrfToken string
}

type Option func(*Client)

// WithHTTPClient replaces the default client (15 s timeout, cookie jar).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithCSRFToken sets the token sent in X-CSRFToken. Without it the client
// uses the csrftoken cookie from its jar, if any.
func WithCSRFToken(token string) Option {
	return func(c *Client) {
		c.csrfToken = token
	}
}

// NewClient builds a client for baseURL, e.g. "https://hr.example.com/telegram/api/".
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("tgauth: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tgauth: base url %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: defaultHTTPTimeout, Jar: jar},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GenerateQR asks the server for a new login QR code.
func (c *Client) GenerateQR(ctx context.Context) (QR, error) {
	var r reply
	if err := c.post(ctx, "generate-qr/", nil, &r); err != nil {
		return QR{}, err
	}
	if r.Success {
		return QR{Image: r.QRImage}, nil
	}
	if r.Redirect {
		return QR{Redirect: true}, nil
	}
	return QR{}, &APIError{Op: "generate qr", Message: r.Error}
}

// RecreateQR drops the pending code and issues another.
func (c *Client) RecreateQR(ctx context.Context) (QR, error) {
	var r reply
	if err := c.post(ctx, "recreate-qr/", nil, &r); err != nil {
		return QR{}, err
	}
	if !r.Success {
		return QR{}, &APIError{Op: "recreate qr", Message: r.Error}
	}
	return QR{Image: r.QRImage}, nil
}

// CheckAuth reports the current login state. A well-formed "error" status
// is a result, not a Go error.
func (c *Client) CheckAuth(ctx context.Context) (CheckResult, error) {
	var res CheckResult
	if err := c.post(ctx, "check-auth/", nil, &res); err != nil {
		return CheckResult{}, err
	}
	return res, nil
}

// Submit2FA sends the cloud password after a 2fa_required status.
func (c *Client) Submit2FA(ctx context.Context, password string) (*User, error) {
	password = strings.TrimSpace(password)
	if password == "" {
		return nil, ErrEmptyPassword
	}

	var r reply
	if err := c.post(ctx, "handle-2fa/", map[string]string{"password": password}, &r); err != nil {
		return nil, err
	}
	if !r.Success {
		return nil, &APIError{Op: "2fa", Message: r.Error}
	}
	return r.User, nil
}

// Reset drops the stored Telegram session on the server.
func (c *Client) Reset(ctx context.Context) error {
	var r reply
	if err := c.post(ctx, "reset-auth/", nil, &r); err != nil {
		return err
	}
	if !r.Success {
		return &APIError{Op: "reset", Message: r.Error}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	endpoint := c.baseURL.ResolveReference(&url.URL{Path: path})

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token := c.token(); token != "" {
		req.Header.Set(csrfHeaderName, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("tgauth: %s: %w", strings.TrimSuffix(path, "/"), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	// Error replies still carry a JSON body with an "error" field.
	if jerr := json.Unmarshal(data, out); jerr != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Op: strings.TrimSuffix(path, "/"), StatusCode: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("tgauth: decode %s: %w", path, jerr)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var r reply
		_ = json.Unmarshal(data, &r)
		if cr, ok := out.(*CheckResult); ok && cr.Status != "" {
			// check-auth reports its own errors in-band.
			return nil
		}
		appLog.Debug("tgauth http error", "path", path, "status", resp.StatusCode)
		return &APIError{Op: strings.TrimSuffix(path, "/"), StatusCode: resp.StatusCode, Message: r.Error}
	}
	return nil
}

func (c *Client) token() string {
	if c.csrfToken != "" {
		return c.csrfToken
	}
	if c.http.Jar == nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(c.baseURL) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

// DecodeQRImage splits a data URL into its MIME type and decoded bytes.
func DecodeQRImage(dataURL string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return "", nil, errors.New("tgauth: qr image is not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("tgauth: malformed data url")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, errors.New("tgauth: qr image must be base64 encoded")
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("tgauth: decode qr image: %w", err)
	}
	return mime, data, nil
}
