package manager

import (
	"context"
	"sync"
	"time"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/proxypool/model"
)

// stickyRecord 存储一个会话键到代理地址的绑定。
type stickyRecord struct {
	Address string
	Expiry  time.Time
}

// stickyTable 负责管理 key -> 代理 的粘性映射，例如让同一账号始终使用同一出口。
// 它的锁总是先于代理池的锁获取，持有池锁时不得调用它。
type stickyTable struct {
	mu       sync.Mutex
	sessions map[string]*stickyRecord
	ttl      time.Duration
}

func newStickyTable(ttl time.Duration) *stickyTable {
	return &stickyTable{
		sessions: make(map[string]*stickyRecord),
		ttl:      ttl,
	}
}

// get returns the bound address and renews it, or "" when the binding expired
// or valid reports it unusable.
func (st *stickyTable) get(key string, now time.Time, valid func(addr string) bool) string {
	st.mu.Lock()
	defer st.mu.Unlock()

	record, ok := st.sessions[key]
	if !ok {
		return ""
	}
	if now.After(record.Expiry) || !valid(record.Address) {
		delete(st.sessions, key)
		return ""
	}
	record.Expiry = now.Add(st.ttl)
	return record.Address
}

func (st *stickyTable) set(key, addr string, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sessions[key] = &stickyRecord{Address: addr, Expiry: now.Add(st.ttl)}
}

// cleanup 移除过期的记录以及指向已不在池中的代理的记录。
func (st *stickyTable) cleanup(now time.Time, valid func(addr string) bool) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	for key, record := range st.sessions {
		if now.After(record.Expiry) || !valid(record.Address) {
			delete(st.sessions, key)
			removed++
		}
	}
	return removed
}

func (st *stickyTable) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sticky 返回绑定到 key 的代理；绑定不存在、过期或代理已被淘汰时，
// 按轮询选一个新代理并重新绑定。空 key 等同于 Next。
func (m *Manager) Sticky(ctx context.Context, key string) (*model.ProxyInfo, error) {
	if key == "" {
		return m.Next(ctx)
	}

	if addr := m.sticky.get(key, m.now(), m.inPool); addr != "" {
		m.mu.Lock()
		p, ok := m.pool[addr]
		var out *model.ProxyInfo
		if ok {
			out = p.Clone()
		}
		m.mu.Unlock()
		if out != nil {
			return out, nil
		}
	}

	p, err := m.Next(ctx)
	if err != nil {
		return nil, err
	}
	m.sticky.set(key, p.Address, m.now())
	l := logger.WithComponent("ProxyPool/Manager")
	l.Debug().Str("key", key).Str("proxy", p.Address).Msg("Sticky binding created.")
	return p, nil
}

// inPool reports whether addr is a validated, non-blacklisted entry.
func (m *Manager) inPool(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pool[addr]
	return ok && !m.isBlacklistedLocked(addr)
}
