package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultResource       = "https://graph.microsoft.com"
	defaultTokenURLFormat = "https://login.microsoftonline.com/%s/oauth2/token"
)

var ErrEmptyToken = errors.New("empty access token")

type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type StaticTokenProvider string

func (p StaticTokenProvider) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(p)) == "" {
		return "", ErrEmptyToken
	}
	return string(p), nil
}

type ClientCredentialsOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the tenant token endpoint.
	TokenURL   string
	Resource   string
	HTTPClient *http.Client
}

// ClientCredentialsProvider exchanges the application credentials for a
// bearer token and reuses it until shortly before it expires.
type ClientCredentialsProvider struct {
	mu     sync.Mutex
	config clientcredentials.Config
	client *http.Client
	source oauth2.TokenSource
}

func NewClientCredentialsProvider(opts ClientCredentialsOptions) (*ClientCredentialsProvider, error) {
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if opts.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}
	tokenURL := strings.TrimSpace(opts.TokenURL)
	if tokenURL == "" {
		tenant := strings.TrimSpace(opts.TenantID)
		if tenant == "" {
			return nil, fmt.Errorf("tenant id or token url is required")
		}
		tokenURL = fmt.Sprintf(defaultTokenURLFormat, url.PathEscape(tenant))
	}
	resource := strings.TrimSpace(opts.Resource)
	if resource == "" {
		resource = DefaultResource
	}
	return &ClientCredentialsProvider{
		config: clientcredentials.Config{
			ClientID:       clientID,
			ClientSecret:   opts.ClientSecret,
			TokenURL:       tokenURL,
			EndpointParams: url.Values{"resource": {resource}},
			AuthStyle:      oauth2.AuthStyleInParams,
		},
		client: opts.HTTPClient,
	}, nil
}

func (p *ClientCredentialsProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.source == nil {
		base := context.Background()
		if p.client != nil {
			base = context.WithValue(base, oauth2.HTTPClient, p.client)
		}
		p.source = p.config.TokenSource(base)
	}
	source := p.source
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("client credentials exchange: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrEmptyToken
	}
	return tok.AccessToken, nil
}
