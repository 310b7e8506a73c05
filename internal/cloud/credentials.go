package cloud

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Credentials is the credential store of the SDK. With a refresh token and a
// token endpoint the access token is renewed on expiry, otherwise the access
// token is used as is.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenSource returns the token source for the stored credentials.
func (c Credentials) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if c.AccessToken == "" && c.RefreshToken == "" {
		return nil, NewError(KindUnauthorized, "credentials", "no access or refresh token configured")
	}

	token := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}

	if c.RefreshToken == "" || c.TokenURL == "" {
		return oauth2.StaticTokenSource(token), nil
	}

	cfg := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
	}

	return cfg.TokenSource(ctx, token), nil
}

// NewHTTPClient returns a client that signs every request with ts and
// traces it. A zero timeout disables the client timeout, which is what
// long running transfer sessions need.
func NewHTTPClient(ctx context.Context, ts oauth2.TokenSource, timeout time.Duration) *http.Client {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, base), ts)
	client.Timeout = timeout

	return client
}
