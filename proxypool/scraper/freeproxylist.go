package scraper

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

const (
	freeProxyListURL = "https://free-proxy-list.net/"
	sslProxiesURL    = "https://www.sslproxies.org/"
	usProxyURL       = "https://www.us-proxy.org/"
)

// TableFilter 描述 free-proxy-list 系列页面的筛选条件。
type TableFilter struct {
	Countries     []string // ISO 国家代码，空表示不限
	AnonymousOnly bool     // 排除 transparent 代理
	HTTPSOnly     bool     // 只保留支持 https 的代理
}

func (f TableFilter) accept(code, anonymity, https string) bool {
	if len(f.Countries) > 0 {
		ok := false
		for _, c := range f.Countries {
			if strings.EqualFold(strings.TrimSpace(c), code) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AnonymousOnly && strings.Contains(strings.ToLower(anonymity), "transparent") {
		return false
	}
	if f.HTTPSOnly && !strings.EqualFold(https, "yes") {
		return false
	}
	return true
}

// FreeProxyListScraper 抓取 free-proxy-list.net 及其姊妹站点的 HTML 表格。
// 列顺序: IP | Port | Code | Country | Anonymity | Google | Https | Last Checked
type FreeProxyListScraper struct {
	name      string
	pageURL   string
	filter    TableFilter
	limit     int
	timeout   time.Duration
	userAgent string
}

// NewFreeProxyListScraper creates a scraper for one page of the free-proxy-list family.
func NewFreeProxyListScraper(name, pageURL string, filter TableFilter, limit int, timeout time.Duration, userAgent string) *FreeProxyListScraper {
	return &FreeProxyListScraper{
		name:      name,
		pageURL:   pageURL,
		filter:    filter,
		limit:     limit,
		timeout:   timeout,
		userAgent: userAgent,
	}
}

func (s *FreeProxyListScraper) Name() string {
	return s.name
}

func (s *FreeProxyListScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.name).Msg("Starting scrape...")

	c := colly.NewCollector(
		colly.UserAgent(s.userAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var proxies []*model.Candidate
	var scrapeErr error
	var mu sync.Mutex

	c.OnHTML("table.table tbody tr", func(e *colly.HTMLElement) {
		ip := strings.TrimSpace(e.ChildText("td:nth-child(1)"))
		portStr := strings.TrimSpace(e.ChildText("td:nth-child(2)"))
		code := strings.TrimSpace(e.ChildText("td:nth-child(3)"))
		anonymity := strings.TrimSpace(e.ChildText("td:nth-child(5)"))
		https := strings.TrimSpace(e.ChildText("td:nth-child(7)"))

		if ip == "" || portStr == "" {
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Debug().Str("ip", ip).Str("port", portStr).Str("source", s.name).Msg("Failed to parse port, skipping row.")
			return
		}
		if !s.filter.accept(code, anonymity, https) {
			return
		}

		cand, err := model.NewCandidate(model.JoinAddress(ip, port), model.ProtocolHTTP, s.name)
		if err != nil {
			return
		}
		cand.Country = code

		mu.Lock()
		defer mu.Unlock()
		if s.limit > 0 && len(proxies) >= s.limit {
			return
		}
		proxies = append(proxies, cand)
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	if err := c.Visit(s.pageURL); err != nil {
		return nil, err
	}
	c.Wait()

	if scrapeErr != nil && len(proxies) == 0 {
		return nil, scrapeErr
	}

	proxies = dedupe(proxies)
	l.Debug().Int("count", len(proxies)).Str("source", s.name).Msg("Scrape finished.")
	return proxies, nil
}
