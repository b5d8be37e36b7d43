package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pkgError "github.com/AzielCF/az-dispatch/pkg/error"
	"github.com/buger/jsonparser"
	"github.com/valyala/fasthttp"
)

const maxReasonLength = 200

// HTTPClient is the fasthttp client shared by every adapter. Responses are
// classified into the provider error taxonomy before they reach callers.
type HTTPClient struct {
	client  *fasthttp.Client
	timeout time.Duration
}

func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		client: &fasthttp.Client{
			Name:            "az-dispatch",
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxConnsPerHost: 512,
		},
		timeout: timeout,
	}
}

// PostJSON marshals body and posts it. The returned bytes are a copy of the
// response body, also on classified errors.
func (c *HTTPClient) PostJSON(ctx context.Context, provider, url string, headers map[string]string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, pkgError.NewPermanent(provider, 0, fmt.Sprintf("cannot encode request: %v", err))
	}
	return c.do(ctx, provider, fasthttp.MethodPost, url, headers, raw)
}

func (c *HTTPClient) do(ctx context.Context, provider, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, pkgError.NewTransient(provider, 0, context.DeadlineExceeded)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, pkgError.NewTransient(provider, 0, err)
	}

	out := append([]byte(nil), resp.Body()...)
	if err := pkgError.ClassifyStatus(provider, resp.StatusCode(), errorReason(out)); err != nil {
		return out, err
	}
	return out, nil
}

// errorReason pulls a human readable message out of the provider's error
// body, falling back to the raw body.
func errorReason(body []byte) string {
	paths := [][]string{
		{"error", "message"},
		{"description"},
		{"error"},
		{"message"},
	}
	for _, p := range paths {
		if v, err := jsonparser.GetString(body, p...); err == nil && v != "" {
			return v
		}
	}
	reason := strings.TrimSpace(string(body))
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength]
	}
	return reason
}
