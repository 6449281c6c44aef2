package prover

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"shielded/orchestrator/logging"
)

const diagnosticTailBytes = 512

// HTTPConfig configures the remote proving service client.
type HTTPConfig struct {
	// ServerURL is the base URL of the proving service, e.g.
	// "http://localhost:3002".
	ServerURL string
	// Timeout bounds one proving request end to end. Wrapped Groth16
	// proofs are slow, so the default is generous.
	Timeout time.Duration
}

// HTTPConfigFromEnv reads PROVER_URL and PROVER_TIMEOUT. An empty
// PROVER_URL yields a nil config, meaning the remote backend is not
// configured.
func HTTPConfigFromEnv() *HTTPConfig {
	serverURL := os.Getenv("PROVER_URL")
	if serverURL == "" {
		return nil
	}

	timeout := 600 * time.Second
	if timeoutStr := os.Getenv("PROVER_TIMEOUT"); timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	return &HTTPConfig{ServerURL: serverURL, Timeout: timeout}
}

// HTTPClient drives a remote proving service over its JSON protocol.
type HTTPClient struct {
	config     *HTTPConfig
	httpClient *http.Client
}

// NewHTTPClient builds a client for the given service.
func NewHTTPClient(config *HTTPConfig) *HTTPClient {
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// HealthCheck verifies the proving service is reachable.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ServerURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("prover health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prover health check returned status %d", resp.StatusCode)
	}
	return nil
}

// VKeyHash asks the service for its verification-key hash.
func (c *HTTPClient) VKeyHash(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.ServerURL+"/vkey", nil)
	if err != nil {
		return "", fmt.Errorf("building vkey request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vkey request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading vkey response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vkey request returned status %d: %s", resp.StatusCode, tail(body))
	}

	var parsed struct {
		VKeyHash string `json:"vkeyHash"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("parsing vkey response: %w", err)
	}
	return parsed.VKeyHash, nil
}

// Prove posts the request to the service's /prove endpoint and decodes the
// finished proof. The service proves synchronously; stage reporting is
// coarse because no intermediate progress crosses the wire.
func (c *HTTPClient) Prove(ctx context.Context, req *Request, progress ProgressFunc) (*Response, error) {
	report := func(s Stage) {
		if progress != nil {
			progress(s)
		}
	}

	report(StagePreparing)
	if err := req.Validate(); err != nil {
		return nil, &ProcessError{Detail: err.Error()}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("encoding request: %v", err)}
	}

	url := c.config.ServerURL + "/prove"
	logging.Logger().Info().
		Int("inputs", len(req.InputNotes)).
		Int("outputs", len(req.OutputNotes)).
		Str("prover_url", url).
		Msg("forwarding proof request to proving service")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("building request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	report(StageProving)
	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ProcessError{Detail: "timeout"}
		}
		logging.Logger().Error().Err(err).Msg("proving service request failed")
		return nil, &ProcessError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProcessError{Detail: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		logging.Logger().Error().
			Int("status_code", resp.StatusCode).
			Str("body", tail(respBody)).
			Msg("proving service returned error")
		return nil, &ExitError{Code: resp.StatusCode, Detail: tail(respBody)}
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}
	if parsed.Proof == "" || parsed.PublicOutputs.NewRoot == "" {
		return nil, &ParseError{Detail: "response missing proof or public outputs"}
	}

	// Reject artifacts that do not decode as curve points before anything
	// downstream trusts them.
	if _, err := DecodeGroth16(parsed.Proof); err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}

	logging.Logger().Info().
		Int64("duration_ms", time.Since(startTime).Milliseconds()).
		Str("vkey_hash", parsed.VKeyHash).
		Msg("proving service completed proof")

	return &parsed, nil
}

// tail bounds service output kept for diagnostics.
func tail(b []byte) string {
	if len(b) <= diagnosticTailBytes {
		return string(b)
	}
	return string(b[len(b)-diagnosticTailBytes:])
}
