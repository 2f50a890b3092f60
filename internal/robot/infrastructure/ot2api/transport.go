package ot2api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"ot2-driver/internal/observability/metrics"
)

// VersionHeader is sent on every request to the robot.
const VersionHeader = "Opentrons-Version"

const (
	DefaultPort            = 31950
	DefaultVersion         = "2"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultUploadTimeout   = 600 * time.Second
	defaultProtocolsField  = "files"
	maxResponseBodyBytes   = 32 << 20
	contentTypeJSON        = "application/json"
	defaultBackoffExponent = 2
)

// Config describes how to reach a robot.
type Config struct {
	BaseURL              string
	ProtocolVersion      string
	Retries              int
	BackoffFactor        float64
	RetriableStatusCodes []int
	RequestTimeout       time.Duration
	UploadTimeout        time.Duration
}

// Response is a raw HTTP response from the robot.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport issues HTTP requests to the robot and applies the retry policy.
type Transport struct {
	baseURL   string
	version   string
	retriable map[int]struct{}
	control   *retryablehttp.Client
	upload    *retryablehttp.Client
}

// NewTransport constructs a transport.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ot2api: empty base url")
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultVersion
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.BackoffFactor < 0 {
		cfg.BackoffFactor = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = DefaultUploadTimeout
	}
	t := &Transport{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		version:   cfg.ProtocolVersion,
		retriable: make(map[int]struct{}, len(cfg.RetriableStatusCodes)),
	}
	for _, code := range cfg.RetriableStatusCodes {
		t.retriable[code] = struct{}{}
	}
	t.control = t.newClient(cfg.RequestTimeout, cfg.Retries, cfg.BackoffFactor)
	t.upload = t.newClient(cfg.UploadTimeout, cfg.Retries, cfg.BackoffFactor)
	return t, nil
}

// BaseURL returns the robot base URL.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Get issues a GET and decodes the JSON body into out.
func (t *Transport) Get(ctx context.Context, path string, out any) error {
	resp, err := t.do(ctx, t.control, http.MethodGet, path, nil, "", nil)
	if err != nil {
		return err
	}
	return decode(http.MethodGet, path, resp, out)
}

// PostJSON posts body as JSON and decodes the JSON response into out.
func (t *Transport) PostJSON(ctx context.Context, path string, body, out any) error {
	payload, err := encodeJSON(body)
	if err != nil {
		return err
	}
	resp, err := t.do(ctx, t.control, http.MethodPost, path, payload, contentTypeJSON, nil)
	if err != nil {
		return err
	}
	return decode(http.MethodPost, path, resp, out)
}

// PostMultipart uploads data as a single multipart file field.
func (t *Transport) PostMultipart(ctx context.Context, path, field string, data []byte, filename string, out any) error {
	if field == "" {
		field = defaultProtocolsField
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	resp, err := t.do(ctx, t.upload, http.MethodPost, path, buf.Bytes(), writer.FormDataContentType(), nil)
	if err != nil {
		return err
	}
	return decode(http.MethodPost, path, resp, out)
}

// Delete issues a DELETE. An empty body leaves out untouched.
func (t *Transport) Delete(ctx context.Context, path string, out any) error {
	resp, err := t.do(ctx, t.control, http.MethodDelete, path, nil, "", nil)
	if err != nil {
		return err
	}
	return decode(http.MethodDelete, path, resp, out)
}

// Request reaches an arbitrary endpoint. body may be nil, raw bytes or a
// value to encode as JSON. The response is returned alongside an
// http_status error so callers can inspect rejected requests.
func (t *Transport) Request(ctx context.Context, method, path string, body any, headers http.Header) (*Response, error) {
	if method == "" {
		return nil, errors.New("ot2api: method required")
	}
	var payload []byte
	contentType := ""
	switch v := body.(type) {
	case nil:
	case []byte:
		payload = v
	default:
		encoded, err := encodeJSON(v)
		if err != nil {
			return nil, err
		}
		payload = encoded
		contentType = contentTypeJSON
	}
	return t.do(ctx, t.control, strings.ToUpper(method), path, payload, contentType, headers)
}

func (t *Transport) do(ctx context.Context, client *retryablehttp.Client, method, path string, payload []byte, contentType string, headers http.Header) (*Response, error) {
	start := time.Now()
	ctx = withRetryPolicy(ctx, policyFor(method))

	var body any
	if payload != nil {
		body = payload
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, t.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("ot2api: build request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get(VersionHeader) == "" {
		req.Header.Set(VersionHeader, t.version)
	}
	req.Header.Set("Accept", contentTypeJSON)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := client.Do(req)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		metrics.ObserveHTTP(method, metrics.HTTPResultNetwork, time.Since(start))
		return nil, &TransportError{Kind: KindNetwork, Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		metrics.ObserveHTTP(method, metrics.HTTPResultNetwork, time.Since(start))
		return nil, &TransportError{Kind: KindNetwork, Method: method, Path: path, Err: err}
	}
	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ObserveHTTP(method, metrics.HTTPStatusResult(resp.StatusCode), time.Since(start))
		return out, &TransportError{Kind: KindHTTPStatus, Method: method, Path: path, StatusCode: resp.StatusCode, Body: raw}
	}
	metrics.ObserveHTTP(method, metrics.ResultSuccess, time.Since(start))
	return out, nil
}

func (t *Transport) newClient(timeout time.Duration, retries int, factor float64) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: timeout}
	client.Logger = nil
	client.RetryMax = retries
	client.CheckRetry = t.checkRetry
	client.Backoff = exponentialBackoff(factor)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		metrics.ObserveHTTPAttempt(req.Method, attempt)
	}
	return client
}

// checkRetry retries network failures, and whitelisted status codes for
// idempotent methods only. A received response on a non-idempotent request
// means the server may have acted on it.
func (t *Transport) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	policy := retryPolicyFromContext(ctx)
	if policy == retryNever {
		return false, nil
	}
	if err != nil {
		return true, nil
	}
	if resp == nil || policy == retryNetworkOnly {
		return false, nil
	}
	_, ok := t.retriable[resp.StatusCode]
	return ok, nil
}

// exponentialBackoff sleeps factor * 2^attempt seconds before retry attempt+1.
func exponentialBackoff(factor float64) retryablehttp.Backoff {
	return func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		seconds := factor * math.Pow(defaultBackoffExponent, float64(attempt))
		return time.Duration(seconds * float64(time.Second))
	}
}

type retryPolicy int

const (
	retryIdempotent retryPolicy = iota
	retryNetworkOnly
	retryNever
)

type retryPolicyKey struct{}

func policyFor(method string) retryPolicy {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return retryIdempotent
	case http.MethodDelete:
		return retryNever
	default:
		return retryNetworkOnly
	}
}

func withRetryPolicy(ctx context.Context, policy retryPolicy) context.Context {
	return context.WithValue(ctx, retryPolicyKey{}, policy)
}

func retryPolicyFromContext(ctx context.Context) retryPolicy {
	if policy, ok := ctx.Value(retryPolicyKey{}).(retryPolicy); ok {
		return policy
	}
	return retryIdempotent
}

func encodeJSON(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ot2api: encode body: %w", err)
	}
	return payload, nil
}

func decode(method, path string, resp *Response, out any) error {
	if out == nil || resp == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &TransportError{Kind: KindDecode, Method: method, Path: path, StatusCode: resp.StatusCode, Body: resp.Body, Err: err}
	}
	return nil
}
