package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

// ErrPoolEmpty is returned when no validated proxy is available.
var ErrPoolEmpty = errors.New("proxy pool is empty")

// Best 返回评分最高的代理。池为空时在 WaitForFill 内轮询等待填充。
func (m *Manager) Best(ctx context.Context) (*model.ProxyInfo, error) {
	return m.pick(ctx, func() *model.ProxyInfo {
		return m.bestLocked()
	})
}

// Random returns a uniformly chosen proxy. An empty pool behaves like Best.
func (m *Manager) Random(ctx context.Context) (*model.ProxyInfo, error) {
	m.mu.Lock()
	if len(m.pool) > 0 {
		sorted := m.sortedAddrsLocked()
		p := m.pool[sorted[m.rng.Intn(len(sorted))]].Clone()
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()
	return m.Best(ctx)
}

// Next 按地址顺序轮询返回代理。池为空时退回 Best。
func (m *Manager) Next(ctx context.Context) (*model.ProxyInfo, error) {
	m.mu.Lock()
	if len(m.pool) > 0 {
		sorted := m.sortedAddrsLocked()
		idx := m.rrIndex % len(sorted)
		m.rrIndex = idx + 1
		p := m.pool[sorted[idx]].Clone()
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()
	return m.Best(ctx)
}

// Take returns up to n of the best proxies, for callers that rotate through a fixed batch.
func (m *Manager) Take(n int) []*model.ProxyInfo {
	all := m.All()
	if n >= 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// All returns copies of every validated proxy, best first.
func (m *Manager) All() []*model.ProxyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ProxyInfo, 0, len(m.pool))
	for _, p := range m.pool {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Better(out[j]) })
	return out
}

// Size returns the number of validated proxies.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pool)
}

// ReportFailure 记录一次使用失败。连续失败达到阈值后移入黑名单。
func (m *Manager) ReportFailure(addr string) {
	addr = model.NormalizeAddress(addr)

	m.mu.Lock()
	p, ok := m.pool[addr]
	if !ok {
		m.mu.Unlock()
		return
	}
	p.ConsecutiveFailures++
	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().
		Str("proxy", addr).
		Int("failures", p.ConsecutiveFailures).
		Msg("Failure reported.")
	if p.ConsecutiveFailures >= m.cfg.FailureThreshold {
		l.Info().Str("proxy", addr).Msg("Proxy reached failure threshold, blacklisting.")
		m.blacklistLocked(addr, reasonFailures)
	}
	m.updateGaugesLocked()
	m.unlockAndFlush()
}

// ReportSuccess resets the consecutive failure counter of addr.
func (m *Manager) ReportSuccess(addr string) {
	addr = model.NormalizeAddress(addr)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pool[addr]; ok {
		p.ConsecutiveFailures = 0
	}
}

// Import 将手动提供的代理放到测试队列最前面，返回实际入队数量。
// 无法解析或已知的地址会被跳过。
func (m *Manager) Import(addrs []string, protocol string) (int, error) {
	cands := make([]*model.Candidate, 0, len(addrs))
	var errs []error
	for _, raw := range addrs {
		c, err := model.NewCandidate(raw, protocol, "manual")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cands = append(cands, c)
	}

	m.mu.Lock()
	fresh := make([]*model.Candidate, 0, len(cands))
	for _, c := range cands {
		if m.knownLocked(c.Address) {
			continue
		}
		m.queued[c.Address] = struct{}{}
		fresh = append(fresh, c)
	}
	m.queue = append(fresh, m.queue...)
	m.updateGaugesLocked()
	m.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Int("submitted", len(addrs)).
		Int("queued", len(fresh)).
		Int("invalid", len(errs)).
		Msg("Imported proxies.")

	if len(fresh) == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("no valid proxies imported: %w", errors.Join(errs...))
	}
	return len(fresh), nil
}

// Delete removes addrs from the pool without blacklisting them. It returns how many were removed.
func (m *Manager) Delete(addrs []string) int {
	m.mu.Lock()
	removed := 0
	for _, raw := range addrs {
		addr := model.NormalizeAddress(raw)
		if _, ok := m.pool[addr]; ok {
			m.evictLocked(addr, reasonDeleted)
			removed++
		}
	}
	m.updateGaugesLocked()
	m.unlockAndFlush()
	return removed
}

// Blacklist 手动将地址（"ip:port" 或单独 IP）加入黑名单。
func (m *Manager) Blacklist(addr string) {
	addr = model.NormalizeAddress(addr)
	m.mu.Lock()
	m.blacklistLocked(addr, reasonManual)
	m.updateGaugesLocked()
	m.unlockAndFlush()
}

// IsBlacklisted reports whether addr, or its host, is blacklisted.
func (m *Manager) IsBlacklisted(addr string) bool {
	addr = model.NormalizeAddress(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isBlacklistedLocked(addr)
}

// Status 返回代理池当前状态。
func (m *Manager) Status() PoolStatus {
	sticky := m.sticky.len()
	m.mu.Lock()
	defer m.mu.Unlock()
	return PoolStatus{
		Validated:   len(m.pool),
		Queued:      len(m.queue),
		Blacklisted: len(m.blacklist),
		Target:      m.cfg.TargetSize,
		Max:         m.cfg.MaxSize,
		Sticky:      sticky,
		Running:     m.Running(),
		Stats:       m.stats,
	}
}

// pick polls choose every FillPollInterval until it yields a proxy, WaitForFill
// elapses or ctx ends. A canceled ctx yields an error wrapping both ErrPoolEmpty and ctx.Err().
func (m *Manager) pick(ctx context.Context, choose func() *model.ProxyInfo) (*model.ProxyInfo, error) {
	deadline := time.Now().Add(m.cfg.WaitForFill)
	for {
		m.mu.Lock()
		p := choose()
		m.mu.Unlock()
		if p != nil {
			return p, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrPoolEmpty
		}
		wait := m.cfg.FillPollInterval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrPoolEmpty, ctx.Err())
		case <-timer.C:
		}
	}
}

// bestLocked returns a copy of the top-ranked entry, or nil.
func (m *Manager) bestLocked() *model.ProxyInfo {
	var best *model.ProxyInfo
	for addr, p := range m.pool {
		if m.isBlacklistedLocked(addr) {
			continue
		}
		if best == nil || p.Better(best) {
			best = p
		}
	}
	if best == nil {
		return nil
	}
	return best.Clone()
}

func (m *Manager) sortedAddrsLocked() []string {
	addrs := make([]string, 0, len(m.pool))
	for addr := range m.pool {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
