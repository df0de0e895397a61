package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/internal/shared/types"
	"freeproxy_nexus/proxypool/model"
)

const maxBodyBytes = 64 << 10

// Result is what a successful probe learned about a proxy.
type Result struct {
	Latency time.Duration
	ExitIP  string
	Country string
}

// Prober tests one candidate. *Validator is the production implementation.
type Prober interface {
	Test(ctx context.Context, c *model.Candidate) (*Result, error)
}

// Outcome pairs a candidate with its probe result.
type Outcome struct {
	Candidate *model.Candidate
	Result    *Result
	Err       error
}

// Validator probes candidates by fetching the liveness URL through them.
type Validator struct {
	livenessURL    string
	timeout        time.Duration
	connectTimeout time.Duration
	concurrency    int
	geo            *GeoLocator
}

// livenessBody accepts both the httpbin ({"origin": ...}) and ipinfo ({"ip": ...}) shapes.
type livenessBody struct {
	Origin string `json:"origin"`
	IP     string `json:"ip"`
}

func NewValidator(cfg types.TesterConf, geo *GeoLocator) *Validator {
	v := &Validator{
		livenessURL:    cfg.LivenessURL,
		timeout:        cfg.Timeout,
		connectTimeout: cfg.ConnectTimeout,
		concurrency:    cfg.Concurrency,
		geo:            geo,
	}
	if v.concurrency <= 0 {
		v.concurrency = 5
	}
	if v.timeout <= 0 {
		v.timeout = 6 * time.Second
	}
	if v.connectTimeout <= 0 || v.connectTimeout > v.timeout {
		v.connectTimeout = v.timeout / 2
	}
	return v
}

// Concurrency returns the configured number of simultaneous probes.
func (v *Validator) Concurrency() int {
	return v.concurrency
}

// Test issues one GET to the liveness URL through c. The error, if any, is a *TestError.
func (v *Validator) Test(ctx context.Context, c *model.Candidate) (*Result, error) {
	client, err := v.clientFor(c)
	if err != nil {
		return nil, wrap(c.Address, err)
	}
	defer client.CloseIdleConnections()

	start := time.Now()
	exitIP, err := fetchOrigin(ctx, client, v.livenessURL)
	if err != nil {
		return nil, wrap(c.Address, err)
	}
	res := &Result{Latency: time.Since(start), ExitIP: firstIP(exitIP)}

	if v.geo != nil && res.ExitIP != "" {
		if info, err := v.geo.Lookup(ctx, res.ExitIP); err == nil {
			res.Country = info.Country
		} else {
			l := logger.WithComponent("ProxyPool/Validator")
			l.Debug().Err(err).Str("ip", exitIP).Msg("Geo lookup failed.")
		}
	}
	return res, nil
}

// ValidateBatch probes cands with the validator's own concurrency limit.
func (v *Validator) ValidateBatch(ctx context.Context, cands []*model.Candidate) []Outcome {
	return RunBatch(ctx, v, cands, v.concurrency)
}

// RunBatch probes cands with at most concurrency probes in flight and returns
// one Outcome per candidate in input order.
func RunBatch(ctx context.Context, p Prober, cands []*model.Candidate, concurrency int) []Outcome {
	l := logger.WithComponent("ProxyPool/Validator")
	outcomes := make([]Outcome, len(cands))
	if len(cands) == 0 {
		return outcomes
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	l.Debug().Int("count", len(cands)).Int("concurrency", concurrency).Msg("Starting validation batch...")

	done := make(chan struct{}, len(cands))
	semaphore := make(chan struct{}, concurrency)
	started := 0

	for i, c := range cands {
		outcomes[i].Candidate = c
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			outcomes[i].Err = wrap(c.Address, ctx.Err())
			continue
		}
		started++
		go func(i int, c *model.Candidate) {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].Result = nil
					outcomes[i].Err = wrap(c.Address, fmt.Errorf("probe panicked: %v", r))
				}
				<-semaphore
				done <- struct{}{}
			}()
			outcomes[i].Result, outcomes[i].Err = p.Test(ctx, c)
		}(i, c)
	}

	for ; started > 0; started-- {
		<-done
	}

	l.Debug().Int("count", len(cands)).Msg("Validation batch finished.")
	return outcomes
}

func (v *Validator) clientFor(c *model.Candidate) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   v.connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		IdleConnTimeout:       v.timeout,
		TLSHandshakeTimeout:   v.timeout / 2,
		ResponseHeaderTimeout: v.timeout,
		DisableKeepAlives:     true,
	}

	switch c.Protocol {
	case model.ProtocolSOCKS5:
		d, err := proxy.SOCKS5("tcp", c.Address, nil, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", c.Address)
		}
		transport.DialContext = cd.DialContext
	default:
		proxyURL, err := url.Parse(c.URL())
		if err != nil {
			return nil, fmt.Errorf("invalid HTTP proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{Transport: transport, Timeout: v.timeout}, nil
}

// fetchOrigin GETs target and returns the origin IP it reports.
func fetchOrigin(ctx context.Context, client *http.Client, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var body livenessBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if body.Origin != "" {
		return body.Origin, nil
	}
	if body.IP != "" {
		return body.IP, nil
	}
	return "", fmt.Errorf("%w: no origin field", ErrBadBody)
}

// firstIP trims httpbin's "a, b" origin list down to the first address.
func firstIP(origin string) string {
	for i := 0; i < len(origin); i++ {
		if origin[i] == ',' {
			return origin[:i]
		}
	}
	return origin
}
