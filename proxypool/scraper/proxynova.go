package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

const proxyNovaURL = "https://www.proxynova.com/proxy-server-list/"

// ProxyNovaScraper 实现了 Scraper 接口，抓取 proxynova.com 的代理表格。
type ProxyNovaScraper struct {
	pageURL   string
	limit     int
	userAgent string
	client    *http.Client
}

// NewProxyNovaScraper creates the proxynova.com source. pageURL may be empty for the live site.
func NewProxyNovaScraper(pageURL string, limit int, timeout time.Duration, userAgent string) *ProxyNovaScraper {
	if pageURL == "" {
		pageURL = proxyNovaURL
	}
	return &ProxyNovaScraper{
		pageURL:   pageURL,
		limit:     limit,
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

func (s *ProxyNovaScraper) Name() string {
	return "proxynova.com"
}

func (s *ProxyNovaScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	body, err := get(ctx, s.client, s.pageURL, s.userAgent)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var proxies []*model.Candidate
	doc.Find("table#tbl_proxy_list tbody tr").Each(func(j int, sel *goquery.Selection) {
		if s.limit > 0 && len(proxies) >= s.limit {
			return
		}
		cells := sel.Find("td")
		ipCell := cells.Eq(0)
		// 新版页面把 IP 放在 abbr 的 title 属性中，正文是混淆脚本。
		ip, ok := ipCell.Find("abbr").Attr("title")
		if !ok {
			ip = ipCell.Text()
		}
		ip = strings.TrimSpace(ip)
		portStr := strings.TrimSpace(cells.Eq(1).Text())
		if ip == "" || portStr == "" {
			return
		}

		port, err := strconv.Atoi(portStr)
		if err != nil {
			l.Debug().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping row.")
			return
		}
		cand, err := model.NewCandidate(model.JoinAddress(ip, port), model.ProtocolHTTP, s.Name())
		if err != nil {
			return
		}
		cand.Country = strings.Join(strings.Fields(cells.Eq(5).Text()), " ")
		proxies = append(proxies, cand)
	})

	proxies = dedupe(proxies)
	l.Debug().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}
