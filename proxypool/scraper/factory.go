package scraper

import (
	"freeproxy_nexus/internal/shared/types"
	"freeproxy_nexus/proxypool/model"
)

// NewFromConfig builds the enabled sources from the [sources] section.
func NewFromConfig(cfg types.SourcesConf) []Scraper {
	filter := TableFilter{
		Countries:     cfg.Countries,
		AnonymousOnly: cfg.AnonymousOnly,
		HTTPSOnly:     cfg.HTTPSOnly,
	}
	ua := cfg.UserAgent
	timeout := cfg.RequestTimeout

	var out []Scraper
	if cfg.FreeProxyList {
		out = append(out, NewFreeProxyListScraper("free-proxy-list.net", freeProxyListURL, filter, cfg.Limit, timeout, ua))
	}
	if cfg.SSLProxies {
		out = append(out, NewFreeProxyListScraper("sslproxies.org", sslProxiesURL, filter, cfg.Limit, timeout, ua))
	}
	if cfg.USProxy {
		out = append(out, NewFreeProxyListScraper("us-proxy.org", usProxyURL, filter, cfg.Limit, timeout, ua))
	}
	if cfg.ProxyNova {
		out = append(out, NewProxyNovaScraper("", cfg.Limit, timeout, ua))
	}
	if cfg.ProxyListDownload {
		out = append(out, NewProxyListDownloadScraper(cfg.Limit, timeout, ua))
	}
	if cfg.ProxyScrape {
		out = append(out, NewProxyScrapeScraper(cfg.Limit, timeout, ua))
	}
	if len(cfg.TextLists) > 0 {
		out = append(out, NewTextListScraper("text-lists", cfg.TextLists, model.ProtocolHTTP, cfg.Limit, timeout, ua))
	}
	return out
}
