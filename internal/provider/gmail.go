package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"
	"gopkg.in/gomail.v2"
)

const (
	gmailAPIBase       = "https://gmail.googleapis.com"
	googleTokenURL     = "https://oauth2.googleapis.com/token"
	googleAuthURL      = "https://accounts.google.com/o/oauth2/auth"
	defaultHTTPTimeout = 30 * time.Second
)

// GmailConfig holds the OAuth application credentials for the Gmail REST API.
type GmailConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	BaseURL      string `toml:"base_url"` // overridable for tests
	TokenURL     string `toml:"token_url"`
}

// Gmail implements Provider against the Gmail REST API. Messages are
// built as MIME, base64url-encoded and posted to users/me/messages/send;
// the token probe reads the users/me/profile endpoint.
type Gmail struct {
	config GmailConfig
	client *resty.Client
	logger *slog.Logger
}

var _ Provider = (*Gmail)(nil)

// NewGmail creates a Gmail provider
func NewGmail(config GmailConfig) *Gmail {
	if config.BaseURL == "" {
		config.BaseURL = gmailAPIBase
	}
	if config.TokenURL == "" {
		config.TokenURL = googleTokenURL
	}

	client := resty.New().
		SetBaseURL(config.BaseURL).
		SetTimeout(defaultHTTPTimeout).
		SetRetryCount(0) // retry policy belongs to the queue, not the HTTP client

	return &Gmail{
		config: config,
		client: client,
		logger: slog.Default().With("component", "gmail-provider"),
	}
}

func (g *Gmail) Name() string { return "gmail" }

// Send builds the MIME message and posts it as a raw Gmail API payload.
func (g *Gmail) Send(ctx context.Context, accessToken, to, subject, htmlBody string) error {
	m := gomail.NewMessage()
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", htmlBody)

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to build MIME message: %w", err)
	}
	raw := base64.RawURLEncoding.EncodeToString(buf.Bytes())

	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		SetBody(map[string]string{"raw": raw}).
		Post("/gmail/v1/users/me/messages/send")
	if err != nil {
		return &TransientError{Err: err}
	}
	if err := g.classifyResponse(resp); err != nil {
		return err
	}

	g.logger.Debug("message accepted by provider", "to", to)
	return nil
}

// Probe checks the token against the profile endpoint.
func (g *Gmail) Probe(ctx context.Context, accessToken string) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(accessToken).
		Get("/gmail/v1/users/me/profile")
	if err != nil {
		return &TransientError{Err: err}
	}
	return g.classifyResponse(resp)
}

// Refresh exchanges the refresh token through the standard OAuth2 flow.
func (g *Gmail) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	conf := &oauth2.Config{
		ClientID:     g.config.ClientID,
		ClientSecret: g.config.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: g.config.TokenURL,
		},
	}

	source := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if ok := errors.As(err, &retrieveErr); ok && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode < http.StatusInternalServerError {
			// The provider understood us and said no: the refresh token is dead.
			return TokenSet{}, fmt.Errorf("%w: refresh rejected: %v", ErrUnauthorized, err)
		}
		return TokenSet{}, &TransientError{Err: err}
	}

	out := TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if out.RefreshToken == "" {
		// Google does not rotate refresh tokens on every exchange.
		out.RefreshToken = refreshToken
	}
	return out, nil
}

// classifyResponse maps HTTP status codes onto the provider error taxonomy.
func (g *Gmail) classifyResponse(resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, code, apiErrorMessage(resp.Body()))
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return &TransientError{Err: fmt.Errorf("status %d: %s", code, apiErrorMessage(resp.Body()))}
	default:
		return fmt.Errorf("provider error: status %d: %s", code, apiErrorMessage(resp.Body()))
	}
}

// apiErrorMessage extracts the error message from a Google API error body.
func apiErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
