package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBody = 4 << 10

// Partner delivers a document to the external system of record. A non-nil
// error means no HTTP answer was obtained.
type Partner interface {
	Send(ctx context.Context, body []byte, idempotencyKey string) (PartnerResponse, error)
	Endpoint() string
}

// HTTPPartner posts documents as JSON with a bounded timeout per call.
type HTTPPartner struct {
	url     string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewHTTPPartner(baseURL, path, apiKey string, timeout time.Duration) (*HTTPPartner, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("broadcast: partner base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPartner{
		url:     strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPPartner) Endpoint() string { return p.url }

func (p *HTTPPartner) Send(ctx context.Context, body []byte, idempotencyKey string) (PartnerResponse, error) {
	ctx, span := otel.Tracer("broadcast").Start(ctx, "partner.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("partner.url", p.url))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PartnerResponse{}, fmt.Errorf("broadcast: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if p.apiKey != "" {
		req.Header.Set("Authorization", p.apiKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return PartnerResponse{}, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, resp.Status)
	}
	return PartnerResponse{HTTPStatus: resp.StatusCode, Body: jsonOrString(raw)}, nil
}

// jsonOrString keeps a JSON body as is and wraps anything else as a JSON string.
func jsonOrString(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if json.Valid(trimmed) {
		return trimmed
	}
	quoted, err := json.Marshal(string(trimmed))
	if err != nil {
		return nil
	}
	return quoted
}
