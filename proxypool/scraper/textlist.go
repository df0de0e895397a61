package scraper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

const (
	proxyListDownloadURL = "https://www.proxy-list.download/api/v1/get?type=http"
	proxyScrapeURL       = "https://api.proxyscrape.com/v4/free-proxy-list/get?request=get_proxies&protocol=http&proxy_format=protocolipport&format=text"
)

// TextListScraper fetches plaintext lists with one "ip:port" (or
// "scheme://ip:port") per line. Several URLs may back a single source; they
// are fetched one after another, paced by a rate limiter.
type TextListScraper struct {
	name      string
	urls      []string
	protocol  string
	limit     int
	userAgent string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewTextListScraper 创建一个纯文本列表抓取器。limit <= 0 表示不限制数量。
func NewTextListScraper(name string, urls []string, protocol string, limit int, timeout time.Duration, userAgent string) *TextListScraper {
	return &TextListScraper{
		name:      name,
		urls:      urls,
		protocol:  protocol,
		limit:     limit,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// NewProxyListDownloadScraper returns the proxy-list.download API source.
func NewProxyListDownloadScraper(limit int, timeout time.Duration, userAgent string) *TextListScraper {
	return NewTextListScraper("proxy-list.download", []string{proxyListDownloadURL}, model.ProtocolHTTP, limit, timeout, userAgent)
}

// NewProxyScrapeScraper returns the proxyscrape.com text API source.
func NewProxyScrapeScraper(limit int, timeout time.Duration, userAgent string) *TextListScraper {
	return NewTextListScraper("proxyscrape.com", []string{proxyScrapeURL}, model.ProtocolHTTP, limit, timeout, userAgent)
}

func (s *TextListScraper) Name() string {
	return s.name
}

func (s *TextListScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.name).Int("urls", len(s.urls)).Msg("Starting scrape...")

	var proxies []*model.Candidate
	var errs []error
	for _, url := range s.urls {
		if s.limit > 0 && len(proxies) >= s.limit {
			break
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := get(ctx, s.client, url, s.userAgent)
		if err != nil {
			l.Warn().Err(err).Str("source", s.name).Str("url", url).Msg("Failed to fetch list.")
			errs = append(errs, err)
			continue
		}
		remaining := 0
		if s.limit > 0 {
			remaining = s.limit - len(proxies)
		}
		parsed, err := ParseTextList(body, s.protocol, s.name, remaining)
		body.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", url, err))
			continue
		}
		proxies = append(proxies, parsed...)
	}

	if len(proxies) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	proxies = dedupe(proxies)
	l.Debug().Int("count", len(proxies)).Str("source", s.name).Msg("Scrape finished.")
	return proxies, nil
}

// ParseTextList reads one proxy per line. Blank lines, comments and lines that
// do not parse as an IP address with a port are skipped. limit <= 0 reads everything.
func ParseTextList(r io.Reader, protocol, source string, limit int) ([]*model.Candidate, error) {
	var out []*model.Candidate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || !strings.Contains(line, ":") {
			continue
		}
		// Some lists append metadata after whitespace: "1.2.3.4:80 US-H-S".
		if i := strings.IndexAny(line, " \t"); i > 0 {
			line = line[:i]
		}
		c, err := model.NewCandidate(line, protocol, source)
		if err != nil {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, scanner.Err()
}
