package platform

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/platformbridge/internal/metrics"
)

const DefaultTimeout = 50 * time.Second

type ClientOptions struct {
	ReadBaseURL     string
	WriteBaseURL    string
	IdentityBaseURL string
	Credentials     CredentialProvider
	HTTPClient      *http.Client
	Timeout         time.Duration
	SkipTLSVerify   bool
	UserAgent       string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Client issues calls against the platform's read, write and identity
// services and classifies every failure into an *Error.
type Client struct {
	bases       map[Base]string
	credentials CredentialProvider
	httpClient  *http.Client
	userAgent   string
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.SkipTLSVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}
	// Only GETs are retried; a repeated submission could file a second
	// change request.
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		bases: map[Base]string{
			BaseRead:     strings.TrimRight(strings.TrimSpace(opts.ReadBaseURL), "/"),
			BaseWrite:    strings.TrimRight(strings.TrimSpace(opts.WriteBaseURL), "/"),
			BaseIdentity: strings.TrimRight(strings.TrimSpace(opts.IdentityBaseURL), "/"),
		},
		credentials: opts.Credentials,
		httpClient:  httpClient,
		userAgent:   strings.TrimSpace(opts.UserAgent),
		maxRetries:  maxRetries,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logger,
		metrics:     opts.Metrics,
	}
}

// MultipartBody carries a binary upload. The metadata is sent as a JSON
// string in the "metadata" part next to the "file" part.
type MultipartBody struct {
	FileName string
	Content  []byte
	Metadata any
}

type Call struct {
	Endpoint  string
	Params    map[string]string
	Query     url.Values
	Body      any
	Multipart *MultipartBody
	// Raw skips JSON decoding of a successful body, for downloads.
	Raw bool
	// OnFailure runs before a classified error is returned.
	OnFailure func(error)
}

// Do performs the call and returns the successful response body.
func (c *Client) Do(ctx context.Context, call Call) ([]byte, error) {
	started := time.Now()
	payload, err := c.do(ctx, call)
	outcome := "ok"
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			outcome = perr.Kind.String()
		} else {
			outcome = "error"
		}
		c.logger.Warn("platform call failed", "endpoint", call.Endpoint, "error", err)
		if call.OnFailure != nil {
			call.OnFailure(err)
		}
	}
	c.metrics.PlatformRequest(call.Endpoint, outcome, time.Since(started))
	return payload, err
}

func (c *Client) do(ctx context.Context, call Call) ([]byte, error) {
	if c == nil {
		return nil, &Error{Kind: KindPlatform, Endpoint: call.Endpoint, Message: "platform client is nil"}
	}
	ep, ok := LookupEndpoint(call.Endpoint)
	if !ok {
		return nil, &Error{Kind: KindPlatform, Endpoint: call.Endpoint, Message: "unknown endpoint"}
	}
	base := c.bases[ep.Base]
	if base == "" {
		return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Message: fmt.Sprintf("%s base url is not configured", ep.Base)}
	}
	path, err := ExpandPath(ep.Path, call.Params)
	if err != nil {
		return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Err: err}
	}
	target := base + path
	if len(call.Query) > 0 {
		target += "?" + call.Query.Encode()
	}

	token, err := c.token(ctx, ep.Base.Audience())
	if err != nil {
		return nil, &Error{Kind: KindNotAuthorized, Endpoint: ep.Name, Message: "credential lookup failed", Err: err}
	}

	bodyBytes, contentType, err := encodeBody(call)
	if err != nil {
		return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Message: "encode request", Err: err}
	}

	correlationID := uuid.NewString()
	retryable := ep.Method == http.MethodGet
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, ep.Method, target, bodyReader)
		if err != nil {
			return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Err: err}
		}
		req.Header.Set("Authorization", bearer(token))
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if retryable && attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Err: waitErr}
				}
				continue
			}
			return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Message: "transport failure", Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, StatusCode: resp.StatusCode, Message: "read response", Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if call.Raw {
				return payload, nil
			}
			return checkPayload(ep.Name, resp.StatusCode, payload)
		}

		if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &Error{Kind: KindPlatform, Endpoint: ep.Name, Err: waitErr}
			}
			continue
		}

		kind := KindPlatform
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = KindNotAuthorized
		case http.StatusNotFound:
			kind = KindNotFound
		}
		return nil, &Error{
			Kind:       kind,
			Endpoint:   ep.Name,
			StatusCode: resp.StatusCode,
			Content:    strings.TrimSpace(string(payload)),
		}
	}
}

func (c *Client) token(ctx context.Context, audience Audience) (string, error) {
	provider := credentialsFromContext(ctx)
	if provider == nil {
		provider = c.credentials
	}
	if provider == nil {
		return "", errors.New("no credential provider configured")
	}
	token, err := provider.Token(ctx, audience)
	if err != nil {
		return "", err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("empty token for audience %s", audience)
	}
	return token, nil
}

func bearer(token string) string {
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

func encodeBody(call Call) ([]byte, string, error) {
	if call.Multipart != nil {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		metadata, err := json.Marshal(call.Multipart.Metadata)
		if err != nil {
			return nil, "", err
		}
		if err := writer.WriteField("metadata", string(metadata)); err != nil {
			return nil, "", err
		}
		name := call.Multipart.FileName
		if name == "" {
			name = "upload"
		}
		part, err := writer.CreateFormFile("file", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(call.Multipart.Content); err != nil {
			return nil, "", err
		}
		if err := writer.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), writer.FormDataContentType(), nil
	}
	if call.Body == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(call.Body)
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

func checkPayload(endpoint string, status int, payload []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if !json.Valid(trimmed) {
		return nil, &Error{
			Kind:       KindPlatform,
			Endpoint:   endpoint,
			StatusCode: status,
			Content:    string(trimmed),
			Message:    "malformed response",
		}
	}
	if trimmed[0] == '{' {
		var flag struct {
			IsErrorResponse bool   `json:"IsErrorResponse"`
			ErrorMessage    string `json:"ErrorMessage"`
		}
		if err := json.Unmarshal(trimmed, &flag); err == nil && flag.IsErrorResponse {
			return nil, &Error{
				Kind:       KindPlatform,
				Endpoint:   endpoint,
				StatusCode: status,
				Content:    string(trimmed),
				Message:    flag.ErrorMessage,
			}
		}
	}
	return trimmed, nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func decodeInto(endpoint string, payload []byte, out any) error {
	if len(payload) == 0 {
		return &Error{Kind: KindPlatform, Endpoint: endpoint, Message: "empty response"}
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{Kind: KindPlatform, Endpoint: endpoint, Content: string(payload), Message: "malformed response", Err: err}
	}
	return nil
}
