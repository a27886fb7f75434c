package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/2beens/donationadmin/internal/telemetry/metrics"
	"github.com/2beens/donationadmin/internal/telemetry/tracing"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultAntiForgeryCookie = "XSRF-TOKEN"
	DefaultAntiForgeryHeader = "X-XSRF-TOKEN"
	DefaultRefreshPath       = "/auth/csrf"

	contentTypeJSON = "application/json"
)

var ErrNoCookieJar = errors.New("http client has no cookie jar, credentials cannot be sent")

type Config struct {
	BaseURL           string
	AntiForgeryCookie string
	AntiForgeryHeader string
	RefreshPath       string
}

// UnauthorizedHandler clears local session state and sends the user to
// the login entry point.
type UnauthorizedHandler interface {
	HandleUnauthorized(ctx context.Context)
}

type Options struct {
	Method  string
	Headers http.Header
	Body    []byte
}

// JSONBody marshals v for use as Options.Body.
func JSONBody(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	return body, nil
}

// fetchState is the retry-after-refresh state machine. There is no edge
// from RetriedOnce back to Sent, which caps every logical request to one
// token refresh and one retry.
type fetchState int

const (
	stateSent fetchState = iota
	stateStaleDetected
	stateRefreshing
	stateRetriedOnce
	stateDone
	stateFailed
)

func (s fetchState) String() string {
	return [...]string{"sent", "stale-detected", "refreshing", "retried-once", "done", "failed"}[s]
}

type Gateway struct {
	httpClient     *http.Client
	baseURL        *url.URL
	cookieName     string
	headerName     string
	refreshURL     string
	onUnauthorized UnauthorizedHandler
	metricsManager *metrics.Manager
}

// NewCredentialedClient returns the client shared by the auth client, the
// gateway and the logout coordinator. Its cookie jar plays the browser's
// role of holding the auth and anti-forgery cookies.
func NewCredentialedClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("new cookie jar: %w", err)
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}

func NewGateway(
	cfg Config,
	httpClient *http.Client,
	onUnauthorized UnauthorizedHandler,
	metricsManager *metrics.Manager,
) (*Gateway, error) {
	if httpClient == nil || httpClient.Jar == nil {
		return nil, ErrNoCookieJar
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: [%s]", cfg.BaseURL)
	}

	if cfg.AntiForgeryCookie == "" {
		cfg.AntiForgeryCookie = DefaultAntiForgeryCookie
	}
	if cfg.AntiForgeryHeader == "" {
		cfg.AntiForgeryHeader = DefaultAntiForgeryHeader
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = DefaultRefreshPath
	}

	g := &Gateway{
		httpClient:     httpClient,
		baseURL:        baseURL,
		cookieName:     cfg.AntiForgeryCookie,
		headerName:     cfg.AntiForgeryHeader,
		onUnauthorized: onUnauthorized,
		metricsManager: metricsManager,
	}
	g.refreshURL = g.resolve(cfg.RefreshPath)

	return g, nil
}

func (g *Gateway) HTTPClient() *http.Client {
	return g.httpClient
}

// SetUnauthorizedHandler wires the handler after construction; the logout
// coordinator needs the gateway's client, and the gateway needs it back.
func (g *Gateway) SetUnauthorizedHandler(onUnauthorized UnauthorizedHandler) {
	g.onUnauthorized = onUnauthorized
}

// AttachAntiForgery sets the anti-forgery header on requests sent outside
// SecureFetch, like login and logout.
func (g *Gateway) AttachAntiForgery(req *http.Request) {
	if token := g.AntiForgeryToken(); token != "" {
		req.Header.Set(g.headerName, token)
	}
}

// URL resolves a path against the backend base URL; absolute URLs are kept.
func (g *Gateway) URL(path string) string {
	return g.resolve(path)
}

func (g *Gateway) resolve(rawURL string) string {
	ref, err := url.Parse(rawURL)
	if err != nil || ref.IsAbs() {
		return rawURL
	}
	if strings.HasPrefix(rawURL, "/") && g.baseURL.Path != "" && g.baseURL.Path != "/" {
		ref.Path = strings.TrimSuffix(g.baseURL.Path, "/") + ref.Path
	}
	return g.baseURL.ResolveReference(ref).String()
}

// AntiForgeryToken reads the current token out of the cookie jar.
func (g *Gateway) AntiForgeryToken() string {
	for _, c := range g.httpClient.Jar.Cookies(g.baseURL) {
		if c.Name == g.cookieName {
			return c.Value
		}
	}
	return ""
}

// RefreshAntiForgeryToken makes the backend mint a new token cookie.
func (g *Gateway) RefreshAntiForgeryToken(ctx context.Context) error {
	if g.metricsManager != nil {
		g.metricsManager.CounterAntiForgeryRefreshes.Inc()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.refreshURL, nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: token refresh: %s", ErrNetwork, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("token refresh: status %d", resp.StatusCode)
	}
	if g.AntiForgeryToken() == "" {
		log.Warnf("gateway: token refresh did not set the [%s] cookie", g.cookieName)
	}
	return nil
}

// SecureFetch sends an authenticated request. Non-2xx responses other than
// 401 and a stale anti-forgery 403 are returned as they are, with a nil
// error. 401 and exhausted retries come back as *RequestError.
func (g *Gateway) SecureFetch(ctx context.Context, rawURL string, opts Options) (resp *http.Response, err error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	target := g.resolve(rawURL)

	ctx, span := tracing.GlobalTracer.Start(ctx, "gateway.secureFetch")
	span.SetAttributes(
		attribute.String("http.method", opts.Method),
		attribute.String("http.url", target),
	)
	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, strconv.Itoa(resp.StatusCode))
		}
		span.End()
		if g.metricsManager != nil {
			g.metricsManager.HistogramRequestDuration.WithLabelValues(opts.Method, outcome).Observe(time.Since(started).Seconds())
		}
	}()

	state := stateSent
	var staleBody []byte
	for {
		log.Tracef("gateway: %s %s [%s]", opts.Method, target, state)
		switch state {
		case stateSent, stateRetriedOnce:
			resp, err = g.send(ctx, target, opts)
			if err != nil {
				return nil, &RequestError{kind: ErrNetwork, cause: err}
			}

			if resp.StatusCode == http.StatusUnauthorized {
				return nil, g.unauthorized(ctx, resp)
			}

			stale, body, err := g.isStaleAntiForgery(resp)
			if err != nil {
				return nil, &RequestError{kind: ErrNetwork, StatusCode: resp.StatusCode, cause: err}
			}
			if !stale {
				state = stateDone
				continue
			}

			staleBody = body
			if state == stateRetriedOnce {
				state = stateFailed
				continue
			}
			state = stateStaleDetected

		case stateStaleDetected:
			log.Debugf("gateway: stale anti-forgery token on %s %s, refreshing", opts.Method, target)
			resp.Body.Close()
			state = stateRefreshing

		case stateRefreshing:
			span.AddEvent("anti-forgery.refresh")
			if err := g.RefreshAntiForgeryToken(ctx); err != nil {
				log.Errorf("gateway: anti-forgery refresh failed: %s", err)
				g.exhausted()
				return nil, &RequestError{kind: ErrAntiForgeryExhausted, StatusCode: http.StatusForbidden, Body: staleBody, cause: err}
			}
			if g.metricsManager != nil {
				g.metricsManager.CounterAntiForgeryRetries.Inc()
			}
			state = stateRetriedOnce

		case stateDone:
			return resp, nil

		case stateFailed:
			resp.Body.Close()
			log.Warnf("gateway: anti-forgery token still rejected after refresh on %s %s", opts.Method, target)
			g.exhausted()
			return nil, &RequestError{kind: ErrAntiForgeryExhausted, StatusCode: http.StatusForbidden, Body: staleBody}
		}
	}
}

func (g *Gateway) send(ctx context.Context, target string, opts Options) (*http.Response, error) {
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	for name, values := range opts.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if len(opts.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	g.AttachAntiForgery(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if g.metricsManager != nil {
		g.metricsManager.CounterSecureRequests.WithLabelValues(opts.Method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

func (g *Gateway) unauthorized(ctx context.Context, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	log.Warnf("gateway: unauthorized response from %s, ending session", resp.Request.URL)
	if g.metricsManager != nil {
		g.metricsManager.CounterUnauthorized.Inc()
	}
	if g.onUnauthorized != nil {
		g.onUnauthorized.HandleUnauthorized(ctx)
	}
	return &RequestError{kind: ErrUnauthorized, StatusCode: http.StatusUnauthorized, Body: body}
}

func (g *Gateway) exhausted() {
	if g.metricsManager != nil {
		g.metricsManager.CounterAntiForgeryExhausted.Inc()
	}
}

// isStaleAntiForgery reads 403 bodies and puts them back, so callers
// getting the response can still read it.
func (g *Gateway) isStaleAntiForgery(resp *http.Response) (bool, []byte, error) {
	if resp.StatusCode != http.StatusForbidden {
		return false, nil, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return false, nil, fmt.Errorf("read 403 body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	return IsStaleAntiForgeryMessage(body), body, nil
}

var (
	antiForgeryWords = []string{"csrf", "xsrf", "anti-forgery", "antiforgery"}
	staleWords       = []string{"invalid", "stale", "expired", "missing", "mismatch", "not found", "could not be verified"}
)

// IsStaleAntiForgeryMessage tells whether a 403 body blames the
// anti-forgery token. JSON bodies are checked on their message and error
// fields, anything else as plain text.
func IsStaleAntiForgeryMessage(body []byte) bool {
	var jsonBody struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	text := string(body)
	if err := json.Unmarshal(body, &jsonBody); err == nil {
		text = jsonBody.Message + " " + jsonBody.Error
	}
	text = strings.ToLower(text)

	return containsAny(text, antiForgeryWords) && containsAny(text, staleWords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
