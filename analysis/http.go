package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultWriteTimeout   = 30 * time.Second

	analyzePath     = "/analyze"
	maxResponseSize = 1 << 20
	userAgent       = "msgguard"
)

var ErrNoEndpoint = errors.New("analysis endpoint is not configured")

// HTTPConfig configures HTTPClient. Zero durations take the defaults.
type HTTPConfig struct {
	Endpoint       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// RateLimit caps requests per second; 0 disables the limit.
	RateLimit float64
	Burst     int
	// Transport replaces the tuned default transport, e.g. for a proxy or
	// a test double.
	Transport http.RoundTripper
}

// HTTPClient posts requests to <endpoint>/analyze. It makes a single attempt
// per message.
type HTTPClient struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu       sync.RWMutex
	endpoint string
}

func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	var transport http.RoundTripper = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.Transport != nil {
		transport = cfg.Transport
	}

	c := &HTTPClient{
		client: &http.Client{
			Transport: transport,
			// net/http has no separate write deadline; the overall bound
			// covers connect, upload and response.
			Timeout: cfg.ConnectTimeout + cfg.WriteTimeout + cfg.ReadTimeout,
		},
		logger:   logger.With("component", "analysis.http"),
		endpoint: normalizeEndpoint(cfg.Endpoint),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func normalizeEndpoint(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

// SetEndpoint replaces the service base URL.
func (c *HTTPClient) SetEndpoint(endpoint string) error {
	endpoint = normalizeEndpoint(endpoint)
	if endpoint != "" && !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return fmt.Errorf("invalid analysis endpoint %q: scheme must be http or https", endpoint)
	}
	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

type analyzeResponse struct {
	RiskScore float64 `json:"risk_score"`
	Reason    string  `json:"reason"`
	Message   string  `json:"message"`
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) Result {
	endpoint := c.Endpoint()
	if endpoint == "" {
		return Failure{Code: CodeNetworkError, Message: ErrNoEndpoint.Error()}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Failure{Code: CodeNetworkError, Message: err.Error()}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Failure{Code: CodeInvalidResponse, Message: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+analyzePath, bytes.NewReader(body))
	if err != nil {
		return Failure{Code: CodeNetworkError, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Warn("analysis request failed", "error", err, "elapsed", time.Since(start))
		return Failure{Code: CodeNetworkError, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return Failure{Code: CodeNetworkError, Message: err.Error(), StatusCode: resp.StatusCode}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code := http.StatusText(resp.StatusCode)
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		c.logger.Warn("analysis service error", "status", resp.StatusCode, "elapsed", time.Since(start))
		return Failure{Code: code, Message: string(raw), StatusCode: resp.StatusCode}
	}

	var out analyzeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Failure{Code: CodeInvalidResponse, Message: err.Error(), StatusCode: resp.StatusCode}
	}
	c.logger.Debug("analysis completed", "risk_score", out.RiskScore, "elapsed", time.Since(start))
	return Success{RiskScore: out.RiskScore, Reason: out.Reason, Message: out.Message}
}
