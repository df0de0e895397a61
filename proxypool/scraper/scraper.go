package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"freeproxy_nexus/proxypool/model"
)

// Scraper 接口定义了从代理源抓取候选代理的行为。
type Scraper interface {
	// Scrape 执行抓取操作，只负责抓取和初步解析，不进行验证。
	Scrape(ctx context.Context) ([]*model.Candidate, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// get issues a GET with the browser-like User-Agent every source expects and
// returns the body of a 200 response. The caller closes it.
func get(ctx context.Context, client *http.Client, url, userAgent string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, url)
	}
	return resp.Body, nil
}

// dedupe drops repeated addresses, keeping the first occurrence.
func dedupe(cands []*model.Candidate) []*model.Candidate {
	seen := make(map[string]struct{}, len(cands))
	out := cands[:0]
	for _, c := range cands {
		if _, ok := seen[c.Address]; ok {
			continue
		}
		seen[c.Address] = struct{}{}
		out = append(out, c)
	}
	return out
}
