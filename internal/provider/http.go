package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
)

// RandomUserAgent selects a user agent from a fixed browser list per request
const RandomUserAgent = "random"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
}

// a malformed answer is not a transport error and is never re-sent
var errBadResponse = errors.New("malformed response")

// HTTPOptions configures the HTTP provisioner and joiner
type HTTPOptions struct {
	// JoinEndpoint receives join requests. Provisioning posts to the
	// register URL of each ProvisionConfig instead.
	JoinEndpoint string
	RetryCount   int
	// RateLimit is the maximum number of requests per second; 0 disables it
	RateLimit float64
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *zap.Logger
}

// HTTP talks to real provisioning and join services with JSON POSTs
type HTTP struct {
	opts    HTTPOptions
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

type provisionRequest struct {
	Channel     string `json:"channel"`
	CountryCode string `json:"country_code,omitempty"`
	Credential  string `json:"credential"`
	Identifier  string `json:"identifier"`
}

type joinRequest struct {
	Identifier string `json:"identifier"`
	Credential string `json:"credential"`
	Target     string `json:"target"`
}

// NewHTTP creates an HTTP provider
func NewHTTP(opts HTTPOptions) *HTTP {
	h := &HTTP{opts: opts, client: opts.Client, logger: opts.Logger}
	if h.client == nil {
		h.client = &http.Client{Timeout: opts.Timeout}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if opts.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return h
}

// Provision posts the account request to the register URL. The service
// answers with the identifier it assigned and optionally a new credential.
func (h *HTTP) Provision(ctx context.Context, cfg domain.ProvisionConfig) (Result, error) {
	req := provisionRequest{
		Channel:     cfg.Channel,
		CountryCode: cfg.CountryCode,
		Credential:  cfg.Credential,
		Identifier:  "potato_" + randomHandle(8) + "@" + MailDomain(cfg.Channel),
	}

	timeout := h.opts.Timeout
	if cfg.CaptchaTimeout > 0 {
		timeout = cfg.CaptchaTimeout
	}

	var res Result
	status, err := h.post(ctx, cfg.RegisterURL, pickUserAgent(cfg.UserAgent, h.opts.UserAgent), timeout, req, &res)
	if err != nil {
		return Result{}, errors.Mark(err, ErrProvision)
	}
	if status/100 != 2 {
		return Result{}, errors.Wrapf(ErrProvision, "register endpoint returned %d", status)
	}
	if res.Identifier == "" {
		res.Identifier = req.Identifier
	}
	if res.Credential == "" {
		res.Credential = cfg.Credential
	}
	return res, nil
}

// Join posts the entity and target to the join endpoint. Any 2xx answer
// counts as accepted.
func (h *HTTP) Join(ctx context.Context, e domain.Entity, target string) bool {
	req := joinRequest{Identifier: e.Identifier, Credential: e.Credential, Target: target}
	status, err := h.post(ctx, h.opts.JoinEndpoint, pickUserAgent("", h.opts.UserAgent), h.opts.Timeout, req, nil)
	if err != nil {
		h.logger.Warn("join request failed", zap.String("target", target), zap.Error(err))
		return false
	}
	return status/100 == 2
}

// post sends body as JSON and decodes a 2xx response into out. Transport
// errors are re-sent immediately up to RetryCount times.
func (h *HTTP) post(ctx context.Context, url, userAgent string, timeout time.Duration, body, out interface{}) (int, error) {
	if url == "" {
		return 0, errors.New("endpoint is not configured")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, errors.Wrap(err, "marshal request")
	}

	var lastErr error
	for attempt := 0; attempt <= h.opts.RetryCount; attempt++ {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return 0, err
			}
		}

		status, err := h.do(ctx, url, userAgent, timeout, payload, out)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, errBadResponse) {
			break
		}
		h.logger.Debug("request failed", zap.String("url", url), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return 0, errors.Wrapf(lastErr, "POST %s", url)
}

func (h *HTTP) do(ctx context.Context, url, userAgent string, timeout time.Duration, payload []byte, out interface{}) (int, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.StatusCode, errors.Mark(errors.Wrap(err, "decode response"), errBadResponse)
	}
	return resp.StatusCode, nil
}

func pickUserAgent(preferred, fallback string) string {
	ua := preferred
	if ua == "" {
		ua = fallback
	}
	if ua == "" || ua == RandomUserAgent {
		return userAgents[rand.IntN(len(userAgents))]
	}
	return ua
}

func randomHandle(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = handleAlphabet[rand.IntN(len(handleAlphabet))]
	}
	return string(b)
}

// String identifies the provider in logs
func (h *HTTP) String() string {
	return fmt.Sprintf("http(join=%s, retries=%d)", h.opts.JoinEndpoint, h.opts.RetryCount)
}
