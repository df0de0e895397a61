package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/internal/shared/types"
	"freeproxy_nexus/proxypool/model"
	"freeproxy_nexus/proxypool/scraper"
	"freeproxy_nexus/proxypool/storage"
	"freeproxy_nexus/proxypool/validator"
)

// 淘汰原因，同时用作指标标签与事件字段。
const (
	reasonStale      = "stale"
	reasonUnreliable = "unreliable"
	reasonSlow       = "slow"
	reasonFailures   = "consecutive_failures"
	reasonDeadTest   = "failed_test"
	reasonManual     = "manual"
	reasonDeleted    = "deleted"
)

// Stats 是代理池自启动以来的累计统计。
type Stats struct {
	TotalTested   int       `json:"total_tested"`
	TotalWorking  int       `json:"total_working"`
	TotalFailed   int       `json:"total_failed"`
	LastRefresh   time.Time `json:"last_refresh"`
	PoolRefreshes int       `json:"pool_refreshes"`
}

// PoolStatus is a point-in-time summary of the pool.
type PoolStatus struct {
	Validated   int   `json:"validated_count"`
	Queued      int   `json:"testing_queue_count"`
	Blacklisted int   `json:"blacklist_count"`
	Target      int   `json:"target_size"`
	Max         int   `json:"max_size"`
	Sticky      int   `json:"sticky_sessions"`
	Running     bool  `json:"is_running"`
	Stats       Stats `json:"stats"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStorage persists the validated pool between runs.
func WithStorage(s storage.Storage) Option {
	return func(m *Manager) { m.storage = s }
}

// WithMetrics records pool activity on the given collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithEventSink publishes pool events (additions, evictions, cycles).
func WithEventSink(sink EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the random source used for shuffling and random picks.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) { m.rng = r }
}

// WithConcurrency caps the number of simultaneous liveness tests.
func WithConcurrency(n int) Option {
	return func(m *Manager) { m.concurrency = n }
}

// WithBlacklist seeds curated entries ("ip" or "ip:port") that are never tested or served.
func WithBlacklist(entries []string) Option {
	return func(m *Manager) { m.curated = append(m.curated, entries...) }
}

// Manager 是代理池模块的总控制器：抓取、测试、评分、淘汰与分发。
//
// pool, queue 与 blacklist 由同一把锁保护，一个地址同一时刻最多只出现在其中一个集合里。
// 网络 I/O 从不在持锁期间进行。
type Manager struct {
	cfg         types.PoolConf
	prober      validator.Prober
	concurrency int
	scrapers    []scraper.Scraper
	storage     storage.Storage
	metrics     *Metrics
	events      EventSink
	now         func() time.Time
	curated     []string
	sticky      *stickyTable

	mu        sync.Mutex
	pool      map[string]*model.ProxyInfo
	queue     []*model.Candidate
	queued    map[string]struct{}
	inflight  map[string]struct{} // 已出队、正在测试的候选
	blacklist map[string]struct{}
	stats     Stats
	rng       *rand.Rand
	rrIndex   int
	pending   []Event

	// 生命周期管理
	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loops   atomic.Int32
}

// NewManager 创建并初始化代理池管理器。
func NewManager(cfg types.PoolConf, prober validator.Prober, scrapers []scraper.Scraper, opts ...Option) *Manager {
	m := &Manager{
		cfg:         withDefaults(cfg),
		prober:      prober,
		concurrency: 5,
		scrapers:    scrapers,
		now:         time.Now,
		pool:        make(map[string]*model.ProxyInfo),
		queued:      make(map[string]struct{}),
		inflight:    make(map[string]struct{}),
		blacklist:   make(map[string]struct{}),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sticky = newStickyTable(m.cfg.StickyTTL)
	return m
}

func withDefaults(cfg types.PoolConf) types.PoolConf {
	def := types.DefaultPoolConf()
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = def.TargetSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxSize < cfg.TargetSize {
		cfg.MaxSize = cfg.TargetSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxLatency <= 0 {
		cfg.MaxLatency = def.MaxLatency
	}
	if cfg.MinSuccessRate < 0 || cfg.MinSuccessRate > 1 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.RetestAge <= 0 {
		cfg.RetestAge = def.RetestAge
	}
	if cfg.RetestBatch <= 0 {
		cfg.RetestBatch = def.RetestBatch
	}
	if cfg.StaleAge <= 0 {
		cfg.StaleAge = def.StaleAge
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = def.QueueCap
	}
	if cfg.QueueTestBatch <= 0 {
		cfg.QueueTestBatch = def.QueueTestBatch
	}
	// 0 取默认值，负数表示空池时不等待
	switch {
	case cfg.WaitForFill == 0:
		cfg.WaitForFill = def.WaitForFill
	case cfg.WaitForFill < 0:
		cfg.WaitForFill = 0
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = def.FillPollInterval
	}
	if cfg.StickyTTL <= 0 {
		cfg.StickyTTL = def.StickyTTL
	}
	return cfg
}

// Start 加载持久化数据并启动后台循环。重复调用不会启动第二个循环。
func (m *Manager) Start(ctx context.Context) error {
	l := logger.WithComponent("ProxyPool/Manager")

	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.running && m.loops.Load() > 0 {
		l.Warn().Msg("Manager already running, ignoring Start.")
		return nil
	}
	if m.running {
		// The parent context ended the previous loop without Stop.
		m.cancel()
		m.wg.Wait()
	}

	l.Info().
		Int("target_size", m.cfg.TargetSize).
		Int("max_size", m.cfg.MaxSize).
		Dur("interval", m.cfg.Interval).
		Int("sources", len(m.scrapers)).
		Msg("Manager starting...")

	m.mu.Lock()
	for _, entry := range m.curated {
		m.blacklistLocked(model.NormalizeAddress(entry), reasonManual)
	}
	m.mu.Unlock()

	if err := m.loadProxies(); err != nil {
		l.Error().Err(err).Msg("Failed to load proxies from storage. Starting with an empty pool.")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	m.wg.Add(1)
	m.loops.Add(1)
	go m.schedulerLoop(loopCtx)
	return nil
}

// Stop 取消后台循环，等待其退出并保存代理池。
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	if !m.running {
		m.lifeMu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.lifeMu.Unlock()

	cancel()
	m.wg.Wait()
	if err := m.saveProxies(); err != nil {
		logger.Error().Err(err).Msg("Failed to save proxies on shutdown.")
	}
	logger.Info().Msg("ProxyPool Manager gracefully stopped.")
}

// Running reports whether the background loop is alive.
func (m *Manager) Running() bool {
	return m.loops.Load() > 0
}

// schedulerLoop 先执行一次初始填充，然后按固定间隔执行维护周期。
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()
	defer m.loops.Add(-1)
	l := logger.WithComponent("ProxyPool/Manager")

	m.runCycle(ctx, true)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		case <-ticker.C:
			m.runCycle(ctx, false)
		}
	}
}

// runCycle 执行一个完整的维护周期；单个周期的 panic 不会终止循环。
func (m *Manager) runCycle(ctx context.Context, initial bool) {
	cycleID := uuid.NewString()
	l := logger.WithComponent("ProxyPool/Manager").With().Str("cycle_id", cycleID).Logger()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("Pool cycle panicked.")
		}
	}()

	if initial {
		l.Info().Msg("Initial pool fill...")
		m.loadFromSources(ctx)
		m.testQueued(ctx, m.cfg.TargetSize*2)
	} else {
		if size := m.Size(); size < m.cfg.TargetSize {
			l.Info().Int("size", size).Int("target", m.cfg.TargetSize).Msg("Pool below target, refilling...")
			m.refill(ctx)
		}
		m.retestExisting(ctx)
		m.testQueued(ctx, m.cfg.QueueTestBatch)
	}
	m.cleanup()
	if n := m.sticky.cleanup(m.now(), m.inPool); n > 0 {
		l.Debug().Int("removed", n).Msg("Dropped sticky bindings.")
	}

	if ctx.Err() == nil {
		if err := m.saveProxies(); err != nil {
			l.Error().Err(err).Msg("Failed to save proxies after cycle.")
		}
	}

	status := m.Status()
	l.Info().
		Int("validated", status.Validated).
		Int("queued", status.Queued).
		Int("blacklisted", status.Blacklisted).
		Dur("took", time.Since(start)).
		Msg("Pool cycle finished.")

	m.mu.Lock()
	m.emitLocked(Event{Type: EventCycle, CycleID: cycleID})
	m.unlockAndFlush()
}

// refill 在池低于目标大小时补充：队列不足则重新抓取，再测试一批候选。
func (m *Manager) refill(ctx context.Context) {
	m.mu.Lock()
	needed := m.cfg.TargetSize - len(m.pool)
	queueLen := len(m.queue)
	m.mu.Unlock()
	if needed <= 0 {
		return
	}

	if queueLen < needed*2 {
		m.loadFromSources(ctx)
	}
	m.testQueued(ctx, needed*3)
}

// loadFromSources 并发抓取所有来源，去重后打乱并放入测试队列。
func (m *Manager) loadFromSources(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")
	if len(m.scrapers) == 0 {
		return 0
	}

	var mu sync.Mutex
	var scraped []*model.Candidate

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range m.scrapers {
		g.Go(func() error {
			proxies, err := s.Scrape(gctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.Warn().Err(err).Str("source", s.Name()).Msg("Scraper failed.")
				return nil
			}
			l.Debug().Str("source", s.Name()).Int("count", len(proxies)).Msg("Source fetched.")
			mu.Lock()
			scraped = append(scraped, proxies...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.Debug().Err(err).Msg("Source fetch aborted.")
		return 0
	}

	m.mu.Lock()
	fresh := make([]*model.Candidate, 0, len(scraped))
	seen := make(map[string]struct{}, len(scraped))
	for _, c := range scraped {
		if _, dup := seen[c.Address]; dup {
			continue
		}
		seen[c.Address] = struct{}{}
		if m.knownLocked(c.Address) {
			continue
		}
		fresh = append(fresh, c)
	}
	m.rng.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })
	if len(fresh) > m.cfg.QueueCap {
		fresh = fresh[:m.cfg.QueueCap]
	}
	for _, c := range fresh {
		m.queue = append(m.queue, c)
		m.queued[c.Address] = struct{}{}
	}
	m.stats.LastRefresh = m.now()
	m.stats.PoolRefreshes++
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.metrics.observeRefresh()
	l.Info().Int("scraped", len(scraped)).Int("queued", len(fresh)).Msg("Loaded candidates from sources.")
	return len(fresh)
}

// testQueued 从队列头部取出最多 max 个候选并发测试。
func (m *Manager) testQueued(ctx context.Context, max int) {
	l := logger.WithComponent("ProxyPool/Manager")
	if max <= 0 || ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	batch := make([]*model.Candidate, 0, max)
	for len(batch) < max && len(m.queue) > 0 {
		c := m.queue[0]
		m.queue = m.queue[1:]
		delete(m.queued, c.Address)
		m.inflight[c.Address] = struct{}{}
		batch = append(batch, c)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	l.Debug().Int("count", len(batch)).Msg("Testing queued candidates...")

	outcomes := validator.RunBatch(ctx, m.prober, batch, m.concurrency)

	working := 0
	var requeue []*model.Candidate
	m.mu.Lock()
	for _, o := range outcomes {
		addr := o.Candidate.Address
		delete(m.inflight, addr)
		if o.Err != nil {
			kind := validator.KindOf(o.Err)
			if kind == validator.FailureCanceled {
				// 未完成的测试放回队列头部，下个周期再测。
				if !m.knownLocked(addr) {
					requeue = append(requeue, o.Candidate)
					m.queued[addr] = struct{}{}
				}
				continue
			}
			m.stats.TotalTested++
			m.stats.TotalFailed++
			m.metrics.observeFailure(kind.String())
			m.blacklistLocked(addr, reasonDeadTest)
			continue
		}

		m.stats.TotalTested++
		m.stats.TotalWorking++
		m.metrics.observeSuccess(o.Result.Latency)

		if m.isBlacklistedLocked(addr) {
			continue
		}
		if _, exists := m.pool[addr]; exists {
			continue
		}
		if len(m.pool) >= m.cfg.MaxSize {
			l.Debug().Str("proxy", addr).Msg("Pool at max size, dropping working candidate.")
			continue
		}
		m.pool[addr] = newProxyInfo(o.Candidate, o.Result, m.now())
		working++
		m.emitLocked(Event{Type: EventAdded, Address: addr})
	}
	if len(requeue) > 0 {
		m.queue = append(requeue, m.queue...)
	}
	m.updateGaugesLocked()
	m.unlockAndFlush()

	l.Info().Int("tested", len(batch)).Int("added", working).Msg("Queue testing finished.")
}

func newProxyInfo(c *model.Candidate, r *validator.Result, now time.Time) *model.ProxyInfo {
	country := r.Country
	if country == "" {
		country = c.Country
	}
	return &model.ProxyInfo{
		Address:     c.Address,
		IP:          c.IP,
		Port:        c.Port,
		Protocol:    c.Protocol,
		Source:      c.Source,
		Country:     country,
		ExitIP:      r.ExitIP,
		Latency:     r.Latency,
		LastTested:  now,
		SuccessRate: 1,
		TotalTests:  1,
	}
}

// retestExisting 复测最旧的一批条目（超过 RetestAge 未测试的）。
func (m *Manager) retestExisting(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	if ctx.Err() != nil {
		return
	}

	now := m.now()
	m.mu.Lock()
	due := make([]*model.ProxyInfo, 0)
	for _, p := range m.pool {
		if now.Sub(p.LastTested) > m.cfg.RetestAge {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].LastTested.Before(due[j].LastTested)
	})
	if len(due) > m.cfg.RetestBatch {
		due = due[:m.cfg.RetestBatch]
	}
	batch := make([]*model.Candidate, 0, len(due))
	for _, p := range due {
		batch = append(batch, &model.Candidate{
			Address:  p.Address,
			IP:       p.IP,
			Port:     p.Port,
			Protocol: p.Protocol,
			Source:   p.Source,
			Country:  p.Country,
		})
	}
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	l.Debug().Int("count", len(batch)).Msg("Re-testing aged proxies...")

	outcomes := validator.RunBatch(ctx, m.prober, batch, m.concurrency)

	m.mu.Lock()
	for _, o := range outcomes {
		p, ok := m.pool[o.Candidate.Address]
		if !ok {
			// Evicted or reported away while the test was in flight.
			continue
		}
		m.applyRetestLocked(p, o, m.now())
	}
	m.updateGaugesLocked()
	m.unlockAndFlush()
}

// applyRetestLocked folds one retest outcome into p. SuccessRate is the running
// average over all tests and LastTested never moves backwards.
func (m *Manager) applyRetestLocked(p *model.ProxyInfo, o validator.Outcome, now time.Time) {
	var kind validator.FailureKind
	if o.Err != nil {
		kind = validator.KindOf(o.Err)
		if kind == validator.FailureCanceled {
			return
		}
	}

	prevTotal := p.TotalTests
	p.TotalTests++
	outcome := 0.0
	if o.Err == nil {
		outcome = 1
	}
	p.SuccessRate = (p.SuccessRate*float64(prevTotal) + outcome) / float64(p.TotalTests)
	if now.After(p.LastTested) {
		p.LastTested = now
	}
	m.stats.TotalTested++

	if o.Err == nil {
		m.stats.TotalWorking++
		m.metrics.observeSuccess(o.Result.Latency)
		p.Latency = o.Result.Latency
		if o.Result.ExitIP != "" {
			p.ExitIP = o.Result.ExitIP
		}
		if o.Result.Country != "" {
			p.Country = o.Result.Country
		}
		p.ConsecutiveFailures = 0
		return
	}

	m.stats.TotalFailed++
	m.metrics.observeFailure(kind.String())
	p.ConsecutiveFailures++
	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().
		Str("proxy", p.Address).
		Str("kind", kind.String()).
		Int("failures", p.ConsecutiveFailures).
		Float64("success_rate", p.SuccessRate).
		Msg("Re-test failed.")
	if p.ConsecutiveFailures >= m.cfg.FailureThreshold {
		m.blacklistLocked(p.Address, reasonFailures)
	}
}

// cleanup 淘汰过旧、不可靠或过慢的条目。不可靠的条目同时进入黑名单。
func (m *Manager) cleanup() {
	l := logger.WithComponent("ProxyPool/Manager")
	now := m.now()

	m.mu.Lock()
	for addr, p := range m.pool {
		var reason string
		switch {
		case now.Sub(p.LastTested) > m.cfg.StaleAge:
			reason = reasonStale
		case p.ConsecutiveFailures >= m.cfg.FailureThreshold:
			reason = reasonFailures
		case p.SuccessRate < m.cfg.MinSuccessRate:
			reason = reasonUnreliable
		case p.Latency > m.cfg.MaxLatency:
			reason = reasonSlow
		default:
			continue
		}

		l.Debug().Str("proxy", addr).Str("reason", reason).Msg("Evicting proxy.")
		if reason == reasonUnreliable || reason == reasonFailures {
			m.blacklistLocked(addr, reason)
		} else {
			m.evictLocked(addr, reason)
		}
	}
	m.updateGaugesLocked()
	m.unlockAndFlush()
}

// loadProxies 从存储加载代理到内存。过旧的条目重新排队测试，超出上限的部分同样排队。
func (m *Manager) loadProxies() error {
	if m.storage == nil {
		return nil
	}
	proxies, err := m.storage.Load()
	if err != nil {
		return fmt.Errorf("load proxies: %w", err)
	}

	loaded := make([]*model.ProxyInfo, 0, len(proxies))
	for _, p := range proxies {
		loaded = append(loaded, p)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Better(loaded[j]) })

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range loaded {
		if m.knownLocked(p.Address) {
			continue
		}
		if now.Sub(p.LastTested) > m.cfg.StaleAge || len(m.pool) >= m.cfg.MaxSize {
			c := &model.Candidate{Address: p.Address, IP: p.IP, Port: p.Port, Protocol: p.Protocol, Source: p.Source, Country: p.Country}
			m.queue = append(m.queue, c)
			m.queued[c.Address] = struct{}{}
			continue
		}
		m.pool[p.Address] = p
	}
	m.updateGaugesLocked()
	return nil
}

// saveProxies 将内存中的代理池保存到存储。
func (m *Manager) saveProxies() error {
	if m.storage == nil {
		return nil
	}
	m.mu.Lock()
	snapshot := make(map[string]*model.ProxyInfo, len(m.pool))
	for addr, p := range m.pool {
		snapshot[addr] = p.Clone()
	}
	m.mu.Unlock()
	return m.storage.Save(snapshot)
}

// knownLocked reports whether addr already sits in the pool, the queue (including
// candidates under test) or the blacklist.
func (m *Manager) knownLocked(addr string) bool {
	if _, ok := m.pool[addr]; ok {
		return true
	}
	if _, ok := m.queued[addr]; ok {
		return true
	}
	if _, ok := m.inflight[addr]; ok {
		return true
	}
	return m.isBlacklistedLocked(addr)
}

// isBlacklistedLocked matches both "ip:port" entries and bare-IP entries.
func (m *Manager) isBlacklistedLocked(addr string) bool {
	if _, ok := m.blacklist[addr]; ok {
		return true
	}
	if _, ip, _, err := model.ParseAddress(addr); err == nil {
		if _, ok := m.blacklist[ip]; ok {
			return true
		}
	}
	return false
}

// blacklistLocked moves addr out of the pool and the queue onto the blacklist.
// A bare IP blacklists every port of that host.
func (m *Manager) blacklistLocked(addr, reason string) {
	if addr == "" {
		return
	}
	if _, ok := m.blacklist[addr]; ok {
		return
	}
	m.blacklist[addr] = struct{}{}

	for poolAddr := range m.pool {
		if poolAddr == addr || hostOf(poolAddr) == addr {
			m.evictLocked(poolAddr, reason)
		}
	}
	if len(m.queued) > 0 {
		kept := m.queue[:0]
		for _, c := range m.queue {
			if c.Address == addr || c.IP == addr {
				delete(m.queued, c.Address)
				continue
			}
			kept = append(kept, c)
		}
		m.queue = kept
	}
	if reason != reasonDeadTest {
		m.emitLocked(Event{Type: EventBlacklisted, Address: addr, Reason: reason})
	}
}

func (m *Manager) evictLocked(addr, reason string) {
	if _, ok := m.pool[addr]; !ok {
		return
	}
	delete(m.pool, addr)
	m.metrics.observeEviction(reason)
	m.emitLocked(Event{Type: EventEvicted, Address: addr, Reason: reason})
}

func (m *Manager) updateGaugesLocked() {
	m.metrics.setSizes(len(m.pool), len(m.queue), len(m.blacklist))
}

func hostOf(addr string) string {
	_, ip, _, err := model.ParseAddress(addr)
	if err != nil {
		return ""
	}
	return ip
}
