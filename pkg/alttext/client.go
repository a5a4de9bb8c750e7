package alttext

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"alttextpro/pkg/metrics"
)

const (
	DefaultEndpoint     = "https://api.example.com/generate-alt"
	DefaultTimeout      = 25 * time.Second
	DefaultMaxRedirects = 3

	maxResponseBytes = 1 << 20
	maxLoggedBody    = 512
)

// GenerationRequest is what the service sends for one image.
type GenerationRequest struct {
	Image  []byte
	Mime   string
	Locale string
}

type generateAltPayload struct {
	ImageB64 string `json:"image_b64"`
	Mime     string `json:"mime"`
	Locale   string `json:"locale,omitempty"`
}

type generateAltResponse struct {
	AltText json.RawMessage `json:"alt_text"`
}

// ClientConfig configures the HTTP client for the alt-text API.
type ClientConfig struct {
	Endpoint     string
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	HTTPClient   *http.Client
}

// Client calls the remote alt-text API.
type Client struct {
	endpoint   string
	userAgent  string
	httpClient *http.Client
}

// NewClient builds a Client. Zero config values fall back to the defaults.
func NewClient(cfg ClientConfig) *Client {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "alttextpro/" + Version
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		maxRedirects := cfg.MaxRedirects
		if maxRedirects <= 0 {
			maxRedirects = DefaultMaxRedirects
		}
		httpClient = &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		}
	}
	return &Client{
		endpoint:   endpoint,
		userAgent:  userAgent,
		httpClient: httpClient,
	}
}

// Generate posts the image and returns the raw alt_text from the response.
// Errors wrap ErrTransport or ErrMalformedResponse, or are *HTTPError.
func (c *Client) Generate(ctx context.Context, apiKey string, in GenerationRequest) (string, error) {
	body, err := json.Marshal(generateAltPayload{
		ImageB64: base64.StdEncoding.EncodeToString(in.Image),
		Mime:     in.Mime,
		Locale:   in.Locale,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	metrics.APIRequestDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{Status: resp.StatusCode, Body: truncateBody(raw)}
	}

	var parsed generateAltResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.AltText) == 0 {
		return "", fmt.Errorf("%w: missing alt_text", ErrMalformedResponse)
	}
	var text string
	if err := json.Unmarshal(parsed.AltText, &text); err != nil {
		return "", fmt.Errorf("%w: alt_text is not a string", ErrMalformedResponse)
	}
	if text == "" {
		return "", fmt.Errorf("%w: alt_text is empty", ErrMalformedResponse)
	}
	return text, nil
}

func truncateBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > maxLoggedBody {
		return s[:maxLoggedBody]
	}
	return s
}
