package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	ProtocolHTTP   = "http"
	ProtocolSOCKS5 = "socks5"
)

// ProxyInfo 是已验证代理池中的一条记录。
// 它在测试成功时创建，复测时更新，被淘汰时删除。
type ProxyInfo struct {
	Address  string `json:"address"` // "ip:port"，池内唯一键
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Source   string `json:"source"`
	Country  string `json:"country,omitempty"`
	ExitIP   string `json:"exit_ip,omitempty"` // 探测端点看到的出口 IP

	Latency             time.Duration `json:"latency"`
	LastTested          time.Time     `json:"last_tested"`
	SuccessRate         float64       `json:"success_rate"`
	TotalTests          int           `json:"total_tests"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// URL returns the proxy in scheme://ip:port form.
func (p *ProxyInfo) URL() string {
	return schemeURL(p.Protocol, p.Address)
}

// Clone returns a copy that callers may keep without holding the pool lock.
func (p *ProxyInfo) Clone() *ProxyInfo {
	c := *p
	return &c
}

// Better reports whether p ranks ahead of o: higher success rate, then lower
// latency, then fewer consecutive failures. Address breaks ties so the order is total.
func (p *ProxyInfo) Better(o *ProxyInfo) bool {
	if p.SuccessRate != o.SuccessRate {
		return p.SuccessRate > o.SuccessRate
	}
	if p.Latency != o.Latency {
		return p.Latency < o.Latency
	}
	if p.ConsecutiveFailures != o.ConsecutiveFailures {
		return p.ConsecutiveFailures < o.ConsecutiveFailures
	}
	return p.Address < o.Address
}

// Candidate is an untested proxy produced by a scraper or a manual import.
type Candidate struct {
	Address  string
	IP       string
	Port     int
	Protocol string
	Source   string
	Country  string
}

// URL returns the candidate in scheme://ip:port form.
func (c *Candidate) URL() string {
	return schemeURL(c.Protocol, c.Address)
}

// NewCandidate parses raw ("ip:port" or "scheme://ip:port") into a Candidate.
// protocol is used when raw carries no scheme.
func NewCandidate(raw, protocol, source string) (*Candidate, error) {
	scheme, ip, port, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}
	if scheme == "" {
		scheme = protocol
	}
	if scheme == "" || scheme == "https" {
		scheme = ProtocolHTTP
	}
	if scheme != ProtocolHTTP && scheme != ProtocolSOCKS5 {
		return nil, fmt.Errorf("unsupported proxy protocol %q", scheme)
	}
	return &Candidate{
		Address:  JoinAddress(ip, port),
		IP:       ip,
		Port:     port,
		Protocol: scheme,
		Source:   source,
	}, nil
}

// ParseAddress splits "scheme://ip:port", "ip:port" or "ip:port/" into its parts.
// scheme is "" when the input had none.
func ParseAddress(raw string) (scheme, ip string, port int, err error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = strings.ToLower(s[:i])
		s = s[i+3:]
	}
	s = strings.TrimRight(s, "/")

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid proxy address %q: %w", raw, err)
	}
	if net.ParseIP(host) == nil {
		return "", "", 0, fmt.Errorf("invalid proxy address %q: %q is not an IP", raw, host)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("invalid proxy address %q: bad port %q", raw, portStr)
	}
	return scheme, host, port, nil
}

// NormalizeAddress strips any scheme and returns the "ip:port" key used by the pool.
// Inputs that do not parse are returned trimmed, so bare IPs still work as blacklist keys.
func NormalizeAddress(raw string) string {
	_, ip, port, err := ParseAddress(raw)
	if err != nil {
		s := strings.TrimSpace(raw)
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
		}
		return strings.TrimRight(s, "/")
	}
	return JoinAddress(ip, port)
}

// JoinAddress builds the pool key for ip and port.
func JoinAddress(ip string, port int) string {
	return net.JoinHostPort(ip, strconv.Itoa(port))
}

func schemeURL(protocol, address string) string {
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	return protocol + "://" + address
}
