package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"freeproxy_nexus/internal/shared/types"
)

// GeoInfo is the subset of the ipinfo.io answer we keep.
type GeoInfo struct {
	IP      string `json:"ip"`
	City    string `json:"city"`
	Region  string `json:"region"`
	Country string `json:"country"`
	Org     string `json:"org"`
}

// GeoLocator queries ipinfo.io (or a compatible endpoint).
type GeoLocator struct {
	endpoint string
	token    string
	timeout  time.Duration
	client   *http.Client
}

// NewGeoLocator returns nil when geo lookups are disabled.
func NewGeoLocator(cfg types.GeoConf) *GeoLocator {
	if !cfg.Enabled {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GeoLocator{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
	}
}

// Lookup returns geo data for ip.
func (g *GeoLocator) Lookup(ctx context.Context, ip string) (*GeoInfo, error) {
	return g.get(ctx, g.client, g.endpoint+"/"+url.PathEscape(ip)+"/json")
}

// CheckExitIP reports the address and location the endpoint sees. With an empty
// proxyURL the request goes out directly.
func (g *GeoLocator) CheckExitIP(ctx context.Context, proxyURL string) (*GeoInfo, error) {
	client := g.client
	if proxyURL != "" {
		pu, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
		}
		// net/http dials both http:// and socks5:// proxy URLs.
		transport := &http.Transport{Proxy: http.ProxyURL(pu), DisableKeepAlives: true}
		client = &http.Client{Transport: transport, Timeout: g.timeout}
	}
	return g.get(ctx, client, g.endpoint+"/json")
}

func (g *GeoLocator) get(ctx context.Context, client *http.Client, target string) (*GeoInfo, error) {
	if g.token != "" {
		target += "?token=" + url.QueryEscape(g.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var info GeoInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	return &info, nil
}
