package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sandeepkv93/keygate/internal/observability"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxVerifyBody = 4 << 10

var ErrUpstreamUnavailable = errors.New("upstream verification unavailable")

// Verifier confirms with a provider that a visitor really completed its flow.
type Verifier interface {
	Verify(ctx context.Context, apiToken, hash string) (Outcome, error)
}

type LinkvertiseVerifier struct {
	endpoint string
	client   *http.Client
}

func NewLinkvertiseVerifier(endpoint string, timeout time.Duration) *LinkvertiseVerifier {
	return &LinkvertiseVerifier{
		endpoint: endpoint,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (v *LinkvertiseVerifier) Verify(ctx context.Context, apiToken, hash string) (Outcome, error) {
	if strings.TrimSpace(apiToken) == "" {
		observability.RecordProviderVerification(ctx, "linkvertise", OutcomeInvalidCredential.String())
		return OutcomeInvalidCredential, nil
	}
	if strings.TrimSpace(hash) == "" {
		observability.RecordProviderVerification(ctx, "linkvertise", OutcomeFailure.String())
		return OutcomeFailure, nil
	}
	u, err := url.Parse(v.endpoint)
	if err != nil {
		return OutcomeUnrecognized, fmt.Errorf("parse verify endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", apiToken)
	q.Set("hash", hash)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return OutcomeUnrecognized, fmt.Errorf("build verify request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		observability.RecordProviderVerification(ctx, "linkvertise", "transport_error")
		return OutcomeUnrecognized, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyBody))
	if err != nil {
		observability.RecordProviderVerification(ctx, "linkvertise", "transport_error")
		return OutcomeUnrecognized, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	outcome := Normalize(body)
	if outcome == OutcomeUnrecognized && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		outcome = OutcomeInvalidCredential
	}
	if outcome == OutcomeUnrecognized && resp.StatusCode >= 500 {
		observability.RecordProviderVerification(ctx, "linkvertise", "upstream_error")
		return outcome, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	observability.RecordProviderVerification(ctx, "linkvertise", outcome.String())
	return outcome, nil
}
