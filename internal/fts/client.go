// Package fts is a client for the REST interface of an FTS3 grid transfer
// service. A Session is the equivalent of an authenticated transfer context:
// it is opened once with the host certificate and used for submissions and
// status queries.
package fts

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Job states reported by the transfer service that end a job
const (
	StateFinished = "FINISHED"
	StateFailed   = "FAILED"
)

const maxErrorBody = 512

// Config holds the endpoint and credentials of the transfer service
type Config struct {
	Endpoint       string
	CertPath       string
	KeyPath        string
	CAPath         string
	VerifyIdentity bool
	Timeout        time.Duration
}

// Transfer is one source/destination pair of a submitted job
type Transfer struct {
	Source      string
	Destination string
}

// Identity is the credential the service mapped the client certificate to
type Identity struct {
	UserDN       string   `json:"user_dn"`
	DelegationID string   `json:"delegation_id"`
	VOs          []string `json:"vos"`
}

// JobStatus is the status document of a submitted job. Raw holds the complete
// payload as returned by the service.
type JobStatus struct {
	JobID  string          `json:"job_id"`
	State  string          `json:"job_state"`
	Reason string          `json:"reason"`
	Raw    json.RawMessage `json:"-"`
}

// HTTPError is returned for non-2xx responses
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Session is an authenticated context against the transfer service
type Session struct {
	endpoint *url.URL
	client   *http.Client
}

// Open creates a session using the X.509 client certificate from cfg. When
// cfg.VerifyIdentity is set the service is asked who it thinks we are, so a
// wrong endpoint or rejected credential fails here rather than on submission.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CAPath)
		}
		tlsConfig.RootCAs = pool
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     tlsConfig,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	s, err := NewSession(cfg.Endpoint, client)
	if err != nil {
		return nil, err
	}

	if cfg.VerifyIdentity {
		if _, err := s.WhoAmI(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to verify identity with transfer service: %w", err)
		}
	}

	return s, nil
}

// Close drops the session's idle connections
func (s *Session) Close() {
	s.client.CloseIdleConnections()
}

// NewSession creates a session over an already configured HTTP client
func NewSession(endpoint string, client *http.Client) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid transfer service endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid transfer service endpoint %q", endpoint)
	}
	return &Session{endpoint: u, client: client}, nil
}

// WhoAmI returns the identity the service associates with the session
func (s *Session) WhoAmI(ctx context.Context) (*Identity, error) {
	var id Identity
	if _, err := s.do(ctx, http.MethodGet, "whoami", nil, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

type submitFile struct {
	Sources      []string `json:"sources"`
	Destinations []string `json:"destinations"`
}

type submitRequest struct {
	Files  []submitFile   `json:"files"`
	Params map[string]any `json:"params"`
}

// Submit creates one transfer job holding the given transfers and returns the
// job handle assigned by the service
func (s *Session) Submit(ctx context.Context, transfers ...Transfer) (string, error) {
	if len(transfers) == 0 {
		return "", fmt.Errorf("no transfers to submit")
	}

	req := submitRequest{Params: map[string]any{}}
	for _, t := range transfers {
		req.Files = append(req.Files, submitFile{
			Sources:      []string{t.Source},
			Destinations: []string{t.Destination},
		})
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if _, err := s.do(ctx, http.MethodPost, "jobs", req, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", fmt.Errorf("transfer service returned no job_id")
	}
	return resp.JobID, nil
}

// JobStatus fetches the current status document of a job
func (s *Session) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	var status JobStatus
	raw, err := s.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(jobID), nil, &status)
	if err != nil {
		return nil, err
	}
	if status.State == "" {
		return nil, fmt.Errorf("status of job %s has no job_state", jobID)
	}
	status.Raw = raw
	return &status, nil
}

// do sends a JSON request and decodes the JSON response into out, returning
// the raw body
func (s *Session) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	target := s.endpoint.JoinPath(path).String()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: msg}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return raw, nil
}
