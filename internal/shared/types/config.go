package types

import "time"

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// PoolConf 控制代理池的容量、节奏与淘汰阈值。
type PoolConf struct {
	TargetSize       int           `ini:"target_size"`        // 低于此值时触发补充
	MaxSize          int           `ini:"max_size"`           // 池的硬上限
	Interval         time.Duration `ini:"interval"`           // 后台循环间隔
	MaxLatency       time.Duration `ini:"max_latency"`        // 超过则淘汰
	MinSuccessRate   float64       `ini:"min_success_rate"`   // 低于则淘汰并拉黑
	RetestAge        time.Duration `ini:"retest_age"`         // 超过此年龄的条目会被复测
	RetestBatch      int           `ini:"retest_batch"`       // 每轮最多复测数量
	StaleAge         time.Duration `ini:"stale_age"`          // 超过此年龄未测试的条目会被淘汰
	FailureThreshold int           `ini:"failure_threshold"`  // 连续失败次数阈值
	QueueCap         int           `ini:"queue_cap"`          // 每次抓取最多入队数量
	QueueTestBatch   int           `ini:"queue_test_batch"`   // 每轮从队列测试的数量
	WaitForFill      time.Duration `ini:"wait_for_fill"`      // Best() 在空池时的最长等待，负数表示不等待
	FillPollInterval time.Duration `ini:"fill_poll_interval"` // 等待期间的轮询间隔
	StickyTTL        time.Duration `ini:"sticky_ttl"`         // 粘性绑定的空闲过期时间
	StoragePath      string        `ini:"storage_path"`
	BlacklistPath    string        `ini:"blacklist_path"`
	Blacklist        []string      `ini:"blacklist" delim:","`
}

// TesterConf configures the liveness probe.
type TesterConf struct {
	LivenessURL    string        `ini:"liveness_url"`
	Timeout        time.Duration `ini:"timeout"`
	ConnectTimeout time.Duration `ini:"connect_timeout"`
	Concurrency    int           `ini:"concurrency"`
}

// SourcesConf selects which public lists are scraped.
type SourcesConf struct {
	FreeProxyList     bool          `ini:"free_proxy_list"`
	SSLProxies        bool          `ini:"ssl_proxies"`
	USProxy           bool          `ini:"us_proxy"`
	ProxyNova         bool          `ini:"proxynova"`
	ProxyListDownload bool          `ini:"proxy_list_download"`
	ProxyScrape       bool          `ini:"proxyscrape"`
	TextLists         []string      `ini:"text_lists" delim:","`
	Countries         []string      `ini:"countries" delim:","`
	AnonymousOnly     bool          `ini:"anonymous_only"`
	HTTPSOnly         bool          `ini:"https_only"`
	Limit             int           `ini:"limit"`
	RequestTimeout    time.Duration `ini:"request_timeout"`
	UserAgent         string        `ini:"user_agent"`
}

// WebConf 对应 Web API 的监听与认证配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// GeoConf configures the optional ipinfo.io lookup for validated proxies.
type GeoConf struct {
	Enabled  bool          `ini:"enabled"`
	Endpoint string        `ini:"endpoint"`
	Token    string        `ini:"token"`
	Timeout  time.Duration `ini:"timeout"`
}

// Config 是 proxypool.ini 的统一配置结构体
type Config struct {
	Log     LogConf     `ini:"log"`
	Pool    PoolConf    `ini:"pool"`
	Tester  TesterConf  `ini:"tester"`
	Sources SourcesConf `ini:"sources"`
	Web     WebConf     `ini:"web"`
	Geo     GeoConf     `ini:"geo"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36"

// DefaultConfig returns the values the service runs with when the ini file leaves a key out.
func DefaultConfig() *Config {
	pool := DefaultPoolConf()
	pool.StoragePath = "proxies.txt"
	pool.BlacklistPath = "blacklist.yaml"
	return &Config{
		Log:  LogConf{Level: "info"},
		Pool: pool,
		Tester: TesterConf{
			LivenessURL:    "http://httpbin.org/ip",
			Timeout:        6 * time.Second,
			ConnectTimeout: 3 * time.Second,
			Concurrency:    5,
		},
		Sources: SourcesConf{
			FreeProxyList:     true,
			SSLProxies:        true,
			ProxyListDownload: true,
			Countries:         []string{"US", "GB", "DE", "CA", "AU", "NL", "FR"},
			AnonymousOnly:     true,
			Limit:             50,
			RequestTimeout:    10 * time.Second,
			UserAgent:         defaultUserAgent,
		},
		Web: WebConf{Port: 8090},
		Geo: GeoConf{
			Endpoint: "https://ipinfo.io",
			Timeout:  5 * time.Second,
		},
	}
}

// DefaultPoolConf returns the pool tuning used when nothing is configured.
func DefaultPoolConf() PoolConf {
	return PoolConf{
		TargetSize:       10,
		MaxSize:          50,
		Interval:         30 * time.Second,
		MaxLatency:       8 * time.Second,
		MinSuccessRate:   0.7,
		RetestAge:        5 * time.Minute,
		RetestBatch:      3,
		StaleAge:         time.Hour,
		FailureThreshold: 3,
		QueueCap:         100,
		QueueTestBatch:   10,
		WaitForFill:      10 * time.Second,
		FillPollInterval: 500 * time.Millisecond,
		StickyTTL:        30 * time.Minute,
	}
}
