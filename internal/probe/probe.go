// Package probe actively checks a booting instance when its heartbeat is
// missing or stale. Probes escalate: TCP reachability first, then the
// worker readiness endpoint, then the model endpoint. The highest level
// that succeeds tells the health-check job which phase the instance has
// actually reached.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Level is the highest check that passed.
type Level int

const (
	Unreachable Level = iota
	Reachable         // TCP connect succeeded
	WorkerReady       // readiness endpoint returned 200
	ModelReady        // model endpoint returned 200
)

func (l Level) String() string {
	switch l {
	case Reachable:
		return "reachable"
	case WorkerReady:
		return "worker_ready"
	case ModelReady:
		return "model_ready"
	default:
		return "unreachable"
	}
}

// Target addresses one instance's worker endpoints.
type Target struct {
	IP            string
	HealthPort    int
	InferencePort int
}

// Prober runs the escalating checks.
type Prober struct {
	timeout time.Duration
	client  *http.Client
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Option configures a Prober.
type Option func(*Prober)

// WithHTTPClient replaces the HTTP client, useful with httptest servers.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.client = c }
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(p *Prober) { p.dial = dial }
}

func New(timeout time.Duration, opts ...Option) *Prober {
	d := &net.Dialer{Timeout: timeout}
	p := &Prober{
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		dial:    d.DialContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs the escalation and returns the highest passing level. Only a
// total connection failure is an error; HTTP non-200s simply stop the
// escalation at the level already reached.
func (p *Prober) Check(ctx context.Context, t Target) (Level, error) {
	if t.IP == "" || t.HealthPort == 0 {
		return Unreachable, fmt.Errorf("probe target incomplete: ip=%q health_port=%d", t.IP, t.HealthPort)
	}

	addr := net.JoinHostPort(t.IP, fmt.Sprint(t.HealthPort))
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return Unreachable, nil
	}
	_ = conn.Close()
	level := Reachable

	if !p.httpOK(ctx, fmt.Sprintf("http://%s/readyz", addr)) {
		return level, nil
	}
	level = WorkerReady

	if t.InferencePort == 0 {
		return level, nil
	}
	modelAddr := net.JoinHostPort(t.IP, fmt.Sprint(t.InferencePort))
	if p.httpOK(ctx, fmt.Sprintf("http://%s/v1/models", modelAddr)) {
		level = ModelReady
	}
	return level, nil
}

func (p *Prober) httpOK(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
