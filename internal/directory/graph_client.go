package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrSyncStateNotFound = errors.New("sync state not found")

// Status codes the directory uses to report an expired or unknown delta token.
var syncStateStatuses = map[int]struct{}{
	http.StatusBadRequest:   {},
	http.StatusUnauthorized: {},
	http.StatusForbidden:    {},
	http.StatusNotFound:     {},
	http.StatusConflict:     {},
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if target != ErrSyncStateNotFound {
		return false
	}
	if _, ok := syncStateStatuses[e.StatusCode]; !ok {
		return false
	}
	return e.Code == "syncStateNotFound"
}

// User is one directory record. Pointer fields are nil when the property
// is absent from the payload or explicitly null.
type User struct {
	ID                string          `json:"id"`
	Mail              *string         `json:"mail"`
	GivenName         *string         `json:"givenName"`
	Surname           *string         `json:"surname"`
	DisplayName       *string         `json:"displayName"`
	JobTitle          *string         `json:"jobTitle"`
	Department        *string         `json:"department"`
	Country           *string         `json:"country"`
	UserPrincipalName *string         `json:"userPrincipalName"`
	Removed           json.RawMessage `json:"@removed,omitempty"`
}

func (u User) IsRemoved() bool {
	return len(u.Removed) > 0 && string(u.Removed) != "null"
}

type Page struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink,omitempty"`
	DeltaLink string            `json:"@odata.deltaLink,omitempty"`
}

type PageSource interface {
	FetchPage(ctx context.Context, pageURL string) (Page, error)
}

type GraphClientOptions struct {
	HTTPClient        *http.Client
	RequestsPerSecond float64
}

type GraphClient struct {
	tokens     TokenProvider
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewGraphClient(tokens TokenProvider, opts GraphClientOptions) (*GraphClient, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &GraphClient{
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    limiter,
	}, nil
}

func (c *GraphClient) FetchPage(ctx context.Context, pageURL string) (Page, error) {
	pageURL = strings.TrimSpace(pageURL)
	if pageURL == "" {
		return Page{}, fmt.Errorf("page url is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Page{}, err
		}
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("acquire token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("client-request-id", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Page{}, readErr
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		var page Page
		if err := json.Unmarshal(payload, &page); err != nil {
			return Page{}, fmt.Errorf("decode page: %w", err)
		}
		return page, nil
	}

	var errPayload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	message := errPayload.Error.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return Page{}, &HTTPError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Error.Code,
		Message:    message,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}
