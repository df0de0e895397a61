package manager

import (
	"context"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freeproxy_nexus/internal/shared/types"
	"freeproxy_nexus/proxypool/model"
	"freeproxy_nexus/proxypool/scraper"
	"freeproxy_nexus/proxypool/validator"
)

// mockProber answers from a fixed table. Unknown addresses succeed.
type mockProber struct {
	mu      sync.Mutex
	fail    map[string]error
	latency map[string]time.Duration
	calls   map[string]int
}

func newMockProber() *mockProber {
	return &mockProber{
		fail:    make(map[string]error),
		latency: make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

func (p *mockProber) Test(ctx context.Context, c *model.Candidate) (*validator.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[c.Address]++
	if err, ok := p.fail[c.Address]; ok {
		return nil, &validator.TestError{Kind: validator.Classify(err), Proxy: c.Address, Err: err}
	}
	lat := p.latency[c.Address]
	if lat == 0 {
		lat = 100 * time.Millisecond
	}
	return &validator.Result{Latency: lat, ExitIP: c.IP}, nil
}

func (p *mockProber) setFail(addr string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, addr)
		return
	}
	p.fail[addr] = err
}

func (p *mockProber) callCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[addr]
}

// mockScraper returns the same addresses on every call.
type mockScraper struct {
	name  string
	addrs []string
	err   error
}

func (s *mockScraper) Name() string { return s.name }

func (s *mockScraper) Scrape(ctx context.Context) ([]*model.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]*model.Candidate, 0, len(s.addrs))
	for _, a := range s.addrs {
		c, err := model.NewCandidate(a, model.ProtocolHTTP, s.name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// mockStorage keeps the last saved map in memory.
type mockStorage struct {
	mu      sync.Mutex
	initial map[string]*model.ProxyInfo
	saved   map[string]*model.ProxyInfo
	saves   int
}

func (s *mockStorage) Load() (map[string]*model.ProxyInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.ProxyInfo, len(s.initial))
	for k, v := range s.initial {
		out[k] = v.Clone()
	}
	return out, nil
}

func (s *mockStorage) Save(proxies map[string]*model.ProxyInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = proxies
	s.saves++
	return nil
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ofType(typ string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPoolConf() types.PoolConf {
	cfg := types.DefaultPoolConf()
	cfg.TargetSize = 3
	cfg.MaxSize = 5
	cfg.Interval = time.Hour
	cfg.WaitForFill = 50 * time.Millisecond
	cfg.FillPollInterval = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, cfg types.PoolConf, prober validator.Prober, opts ...Option) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithRand(rand.New(rand.NewSource(1)))}
	m := NewManager(cfg, prober, nil, append(base, opts...)...)
	return m, clock
}

// fill imports addrs and drains the queue through the prober.
func fill(t *testing.T, m *Manager, addrs ...string) {
	t.Helper()
	_, err := m.Import(addrs, model.ProtocolHTTP)
	require.NoError(t, err)
	m.testQueued(context.Background(), len(addrs))
}

// assertDisjoint checks that no address sits in more than one of pool, queue and blacklist.
func assertDisjoint(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.queue {
		_, inPool := m.pool[c.Address]
		assert.False(t, inPool, "%s is both queued and pooled", c.Address)
		assert.False(t, m.isBlacklistedLocked(c.Address), "%s is both queued and blacklisted", c.Address)
	}
	for addr := range m.pool {
		assert.False(t, m.isBlacklistedLocked(addr), "%s is both pooled and blacklisted", addr)
		_, underTest := m.inflight[addr]
		assert.False(t, underTest, "%s is both pooled and under test", addr)
	}
	for addr := range m.inflight {
		_, queued := m.queued[addr]
		assert.False(t, queued, "%s is both queued and under test", addr)
	}
	assert.Len(t, m.queued, len(m.queue))
}

func TestReportFailure_BlacklistsAtThreshold(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:8080")
	require.Equal(t, 1, m.Size())

	m.ReportFailure("http://10.0.0.1:8080")
	m.ReportFailure("10.0.0.1:8080")
	assert.Equal(t, 1, m.Size())
	assert.False(t, m.IsBlacklisted("10.0.0.1:8080"))

	m.ReportFailure("10.0.0.1:8080")
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.IsBlacklisted("10.0.0.1:8080"))

	_, err := m.Best(context.Background())
	assert.ErrorIs(t, err, ErrPoolEmpty)
	assertDisjoint(t, m)
}

func TestReportFailure_UnknownAddressIgnored(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	m.ReportFailure("10.9.9.9:80")
	m.ReportFailure("not an address")
	assert.Equal(t, 0, m.Status().Blacklisted)
}

func TestReportSuccess_ResetsFailures(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:8080")

	m.ReportFailure("10.0.0.1:8080")
	m.ReportFailure("10.0.0.1:8080")
	m.ReportSuccess("10.0.0.1:8080")
	m.ReportFailure("10.0.0.1:8080")

	all := m.All()
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].ConsecutiveFailures)
}

func TestBest_RanksBySuccessRateThenLatency(t *testing.T) {
	prober := newMockProber()
	prober.latency["10.0.0.1:80"] = 900 * time.Millisecond
	prober.latency["10.0.0.2:80"] = 200 * time.Millisecond
	prober.latency["10.0.0.3:80"] = 50 * time.Millisecond
	m, _ := newTestManager(t, testPoolConf(), prober)
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	m.mu.Lock()
	m.pool["10.0.0.3:80"].SuccessRate = 0.8
	m.mu.Unlock()

	best, err := m.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:80", best.Address)

	// Best hands out copies.
	best.SuccessRate = 0
	again, err := m.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.SuccessRate)
}

func TestBest_NeverReturnsBlacklisted(t *testing.T) {
	prober := newMockProber()
	prober.latency["10.0.0.1:80"] = 10 * time.Millisecond
	prober.latency["10.0.0.2:80"] = 500 * time.Millisecond
	m, _ := newTestManager(t, testPoolConf(), prober)
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80")

	m.Blacklist("10.0.0.1")

	for i := 0; i < 5; i++ {
		p, err := m.Best(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.2:80", p.Address)
	}
	assert.True(t, m.IsBlacklisted("10.0.0.1:3128"), "an IP entry covers every port")
	assertDisjoint(t, m)
}

func TestBest_WaitsForFill(t *testing.T) {
	cfg := testPoolConf()
	cfg.WaitForFill = 2 * time.Second
	m, _ := newTestManager(t, cfg, newMockProber())

	go func() {
		time.Sleep(50 * time.Millisecond)
		m.Import([]string{"10.0.0.7:80"}, model.ProtocolHTTP)
		m.testQueued(context.Background(), 1)
	}()

	p, err := m.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.7:80", p.Address)
}

func TestBest_EmptyPoolHonoursContext(t *testing.T) {
	cfg := testPoolConf()
	cfg.WaitForFill = time.Minute
	m, _ := newTestManager(t, cfg, newMockProber())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Best(ctx)
	assert.ErrorIs(t, err, ErrPoolEmpty)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNext_RoundRobinInAddressOrder(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.3:80", "10.0.0.1:80", "10.0.0.2:80")

	var got []string
	for i := 0; i < 4; i++ {
		p, err := m.Next(context.Background())
		require.NoError(t, err)
		got = append(got, p.Address)
	}
	assert.Equal(t, []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.1:80"}, got)
}

func TestRandom_PicksFromPool(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		p, err := m.Random(context.Background())
		require.NoError(t, err)
		seen[p.Address] = true
	}
	assert.Len(t, seen, 3)
}

func TestRandom_EmptyPool(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	_, err := m.Random(context.Background())
	assert.ErrorIs(t, err, ErrPoolEmpty)
}

func TestTake_ReturnsBestFirst(t *testing.T) {
	prober := newMockProber()
	prober.latency["10.0.0.1:80"] = 300 * time.Millisecond
	prober.latency["10.0.0.2:80"] = 100 * time.Millisecond
	prober.latency["10.0.0.3:80"] = 200 * time.Millisecond
	m, _ := newTestManager(t, testPoolConf(), prober)
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	got := m.Take(2)
	require.Len(t, got, 2)
	assert.Equal(t, "10.0.0.2:80", got[0].Address)
	assert.Equal(t, "10.0.0.3:80", got[1].Address)
	assert.Len(t, m.Take(10), 3)
}

func TestQueueTest_FailureBlacklists(t *testing.T) {
	prober := newMockProber()
	prober.setFail("10.0.0.2:80", errors.New("connection reset"))
	m, _ := newTestManager(t, testPoolConf(), prober)
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80")

	assert.Equal(t, 1, m.Size())
	assert.True(t, m.IsBlacklisted("10.0.0.2:80"))

	st := m.Status()
	assert.Equal(t, 2, st.Stats.TotalTested)
	assert.Equal(t, 1, st.Stats.TotalWorking)
	assert.Equal(t, 1, st.Stats.TotalFailed)
	assertDisjoint(t, m)
}

func TestQueueTest_RespectsMaxSize(t *testing.T) {
	cfg := testPoolConf()
	cfg.MaxSize = 3
	m, _ := newTestManager(t, cfg, newMockProber())
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80", "10.0.0.5:80", "10.0.0.6:80")

	assert.Equal(t, 3, m.Size())
	assert.Equal(t, 0, m.Status().Queued)
}

func TestImport_QueuesAtFrontAndSkipsKnown(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:80")
	m.Blacklist("10.0.0.9:80")

	n, err := m.Import([]string{"10.0.0.2:80"}, model.ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Import([]string{"socks5://10.0.0.3:1080", "10.0.0.1:80", "10.0.0.9:80", "10.0.0.2:80", "bogus"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m.mu.Lock()
	require.Len(t, m.queue, 2)
	assert.Equal(t, "10.0.0.3:1080", m.queue[0].Address)
	assert.Equal(t, model.ProtocolSOCKS5, m.queue[0].Protocol)
	assert.Equal(t, "manual", m.queue[0].Source)
	assert.Equal(t, "10.0.0.2:80", m.queue[1].Address)
	m.mu.Unlock()
	assertDisjoint(t, m)
}

func TestImport_AllInvalid(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	n, err := m.Import([]string{"nope", "1.2.3.4"}, model.ProtocolHTTP)
	assert.Error(t, err)
	assert.Equal(t, 0, n)
}

// gateProber blocks every probe until release is closed or ctx ends.
type gateProber struct {
	started chan string
	release chan struct{}
}

func newGateProber() *gateProber {
	return &gateProber{started: make(chan string, 16), release: make(chan struct{})}
}

func (p *gateProber) Test(ctx context.Context, c *model.Candidate) (*validator.Result, error) {
	p.started <- c.Address
	select {
	case <-p.release:
		return &validator.Result{Latency: 100 * time.Millisecond, ExitIP: c.IP}, nil
	case <-ctx.Done():
		return nil, &validator.TestError{Kind: validator.Classify(ctx.Err()), Proxy: c.Address, Err: ctx.Err()}
	}
}

func waitStarted(t *testing.T, p *gateProber, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-p.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d probes started", i, n)
		}
	}
}

func TestImport_SkipsCandidateUnderTest(t *testing.T) {
	prober := newGateProber()
	m, _ := newTestManager(t, testPoolConf(), prober)

	_, err := m.Import([]string{"10.0.0.1:80"}, model.ProtocolHTTP)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.testQueued(context.Background(), 1)
	}()
	waitStarted(t, prober, 1)

	n, err := m.Import([]string{"10.0.0.1:80"}, model.ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assertDisjoint(t, m)

	close(prober.release)
	<-done

	assert.Equal(t, 1, m.Size())
	assert.Equal(t, 0, m.Status().Queued)
	assert.False(t, m.IsBlacklisted("10.0.0.1:80"))
	assertDisjoint(t, m)

	// Nothing left to test, so the healthy entry cannot be blacklisted by a stale copy.
	m.testQueued(context.Background(), 1)
	assert.Equal(t, 1, m.Size())
	assert.False(t, m.IsBlacklisted("10.0.0.1:80"))
}

func TestQueueTest_CanceledCandidatesReturnToQueue(t *testing.T) {
	prober := newGateProber()
	m, _ := newTestManager(t, testPoolConf(), prober)

	_, err := m.Import([]string{"10.0.0.1:80", "10.0.0.2:80"}, model.ProtocolHTTP)
	require.NoError(t, err)
	_, err = m.Import([]string{"10.0.0.3:80"}, model.ProtocolHTTP)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.testQueued(ctx, 2)
	}()
	waitStarted(t, prober, 2)
	cancel()
	<-done

	assert.Equal(t, 0, m.Size())
	assert.False(t, m.IsBlacklisted("10.0.0.3:80"))
	assert.False(t, m.IsBlacklisted("10.0.0.1:80"))

	m.mu.Lock()
	var queue []string
	for _, c := range m.queue {
		queue = append(queue, c.Address)
	}
	assert.Empty(t, m.inflight)
	m.mu.Unlock()
	assert.Equal(t, []string{"10.0.0.3:80", "10.0.0.1:80", "10.0.0.2:80"}, queue)
	assertDisjoint(t, m)
}

func TestNewManager_WaitForFillDefaults(t *testing.T) {
	m := NewManager(types.PoolConf{}, newMockProber(), nil)
	assert.Equal(t, types.DefaultPoolConf().WaitForFill, m.cfg.WaitForFill)

	m = NewManager(types.PoolConf{WaitForFill: -1}, newMockProber(), nil)
	assert.Equal(t, time.Duration(0), m.cfg.WaitForFill)

	start := time.Now()
	_, err := m.Best(context.Background())
	assert.ErrorIs(t, err, ErrPoolEmpty)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelete_RemovesWithoutBlacklisting(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80")

	removed := m.Delete([]string{"http://10.0.0.1:80", "10.0.0.5:80"})
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, m.Size())
	assert.False(t, m.IsBlacklisted("10.0.0.1:80"))

	n, err := m.Import([]string{"10.0.0.1:80"}, model.ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a deleted address may come back")
}

func TestRetest_RunningAverageAndMonotonicLastTested(t *testing.T) {
	prober := newMockProber()
	m, clock := newTestManager(t, testPoolConf(), prober)
	fill(t, m, "10.0.0.1:80")
	first := m.All()[0].LastTested

	clock.Advance(6 * time.Minute)
	prober.setFail("10.0.0.1:80", context.DeadlineExceeded)
	m.retestExisting(context.Background())

	p := m.All()[0]
	assert.Equal(t, 2, p.TotalTests)
	assert.InDelta(t, 0.5, p.SuccessRate, 1e-9)
	assert.Equal(t, 1, p.ConsecutiveFailures)
	assert.True(t, p.LastTested.After(first))

	clock.Advance(6 * time.Minute)
	prober.setFail("10.0.0.1:80", nil)
	m.retestExisting(context.Background())

	p = m.All()[0]
	assert.Equal(t, 3, p.TotalTests)
	assert.InDelta(t, 2.0/3.0, p.SuccessRate, 1e-9)
	assert.Equal(t, 0, p.ConsecutiveFailures)
	assert.Equal(t, clock.Now(), p.LastTested)
}

func TestApplyRetest_LastTestedNeverMovesBack(t *testing.T) {
	m, clock := newTestManager(t, testPoolConf(), newMockProber())
	p := &model.ProxyInfo{Address: "10.0.0.1:80", LastTested: clock.Now(), SuccessRate: 1, TotalTests: 1}
	c := &model.Candidate{Address: p.Address}

	m.mu.Lock()
	m.applyRetestLocked(p, validator.Outcome{Candidate: c, Result: &validator.Result{Latency: time.Millisecond}}, clock.Now().Add(-time.Hour))
	m.mu.Unlock()

	assert.Equal(t, clock.Now(), p.LastTested)
	assert.Equal(t, 2, p.TotalTests)
}

func TestRetest_OnlyAgedEntriesInBatches(t *testing.T) {
	cfg := testPoolConf()
	cfg.RetestBatch = 2
	prober := newMockProber()
	m, clock := newTestManager(t, cfg, prober)
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80")

	m.retestExisting(context.Background())
	for _, p := range m.All() {
		assert.Equal(t, 1, p.TotalTests, "fresh entries are not retested")
		assert.Equal(t, 1, prober.callCount(p.Address))
	}

	clock.Advance(10 * time.Minute)
	m.retestExisting(context.Background())
	retested := 0
	for _, p := range m.All() {
		if p.TotalTests == 2 {
			retested++
		}
	}
	assert.Equal(t, 2, retested)
}

func TestRetest_ThresholdBlacklists(t *testing.T) {
	cfg := testPoolConf()
	cfg.FailureThreshold = 2
	cfg.MinSuccessRate = 0
	prober := newMockProber()
	m, clock := newTestManager(t, cfg, prober)
	fill(t, m, "10.0.0.1:80")

	prober.setFail("10.0.0.1:80", errors.New("boom"))
	clock.Advance(6 * time.Minute)
	m.retestExisting(context.Background())
	assert.Equal(t, 1, m.Size())

	clock.Advance(6 * time.Minute)
	m.retestExisting(context.Background())
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.IsBlacklisted("10.0.0.1:80"))
}

func TestRetest_CanceledContextLeavesEntryAlone(t *testing.T) {
	m, clock := newTestManager(t, testPoolConf(), newMockProber())
	fill(t, m, "10.0.0.1:80")
	clock.Advance(6 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.retestExisting(ctx)

	p := m.All()[0]
	assert.Equal(t, 1, p.TotalTests)
	assert.Equal(t, 0, p.ConsecutiveFailures)
}

func TestCleanup_Evictions(t *testing.T) {
	cfg := testPoolConf()
	cfg.MaxLatency = time.Second
	prober := newMockProber()
	prober.latency["10.0.0.2:80"] = 2 * time.Second
	sink := &recordingSink{}
	m, clock := newTestManager(t, cfg, prober, WithEventSink(sink))
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80")

	m.mu.Lock()
	m.pool["10.0.0.3:80"].SuccessRate = 0.5
	m.pool["10.0.0.4:80"].LastTested = clock.Now().Add(-2 * time.Hour)
	m.mu.Unlock()

	m.cleanup()

	assert.Equal(t, 1, m.Size())
	assert.False(t, m.IsBlacklisted("10.0.0.2:80"), "slow entries are dropped, not blacklisted")
	assert.True(t, m.IsBlacklisted("10.0.0.3:80"), "unreliable entries are blacklisted")
	assert.False(t, m.IsBlacklisted("10.0.0.4:80"), "stale entries are dropped, not blacklisted")

	reasons := make(map[string]string)
	for _, ev := range sink.ofType(EventEvicted) {
		reasons[ev.Address] = ev.Reason
	}
	assert.Equal(t, reasonSlow, reasons["10.0.0.2:80"])
	assert.Equal(t, reasonUnreliable, reasons["10.0.0.3:80"])
	assert.Equal(t, reasonStale, reasons["10.0.0.4:80"])
	assertDisjoint(t, m)
}

func TestLoadFromSources_DedupesAndCaps(t *testing.T) {
	cfg := testPoolConf()
	cfg.QueueCap = 4
	m, _ := newTestManager(t, cfg, newMockProber())
	m.scrapers = []scraper.Scraper{
		&mockScraper{name: "a", addrs: []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}},
		&mockScraper{name: "b", addrs: []string{"10.0.0.2:80", "10.0.0.4:80", "10.0.0.5:80", "10.0.0.6:80"}},
		&mockScraper{name: "broken", err: errors.New("upstream down")},
	}
	fill(t, m, "10.0.0.1:80")
	m.Blacklist("10.0.0.4:80")

	queued := m.loadFromSources(context.Background())
	assert.Equal(t, 4, queued)

	m.mu.Lock()
	seen := make(map[string]bool)
	for _, c := range m.queue {
		assert.False(t, seen[c.Address], "duplicate %s", c.Address)
		seen[c.Address] = true
	}
	m.mu.Unlock()
	assert.False(t, seen["10.0.0.1:80"])
	assert.False(t, seen["10.0.0.4:80"])

	st := m.Status()
	assert.Equal(t, 1, st.Stats.PoolRefreshes)
	assertDisjoint(t, m)
}

func TestRunCycle_InitialFill(t *testing.T) {
	cfg := testPoolConf()
	prober := newMockProber()
	prober.setFail("10.0.0.3:80", errors.New("refused"))
	store := &mockStorage{}
	sink := &recordingSink{}
	m, _ := newTestManager(t, cfg, prober, WithStorage(store), WithEventSink(sink))
	m.scrapers = []scraper.Scraper{
		&mockScraper{name: "a", addrs: []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}},
	}

	m.runCycle(context.Background(), true)

	assert.Equal(t, 3, m.Size())
	assert.True(t, m.IsBlacklisted("10.0.0.3:80"))
	assert.Len(t, store.saved, 3)
	assert.Len(t, sink.ofType(EventAdded), 3)
	require.Len(t, sink.ofType(EventCycle), 1)
	assert.NotEmpty(t, sink.ofType(EventCycle)[0].CycleID)
}

func TestRunCycle_RefillsBelowTarget(t *testing.T) {
	cfg := testPoolConf()
	cfg.TargetSize = 2
	m, _ := newTestManager(t, cfg, newMockProber())
	src := &mockScraper{name: "a"}
	m.scrapers = []scraper.Scraper{src}

	m.runCycle(context.Background(), true)
	assert.Equal(t, 0, m.Size())

	src.addrs = []string{"10.0.0.1:80", "10.0.0.2:80"}
	m.runCycle(context.Background(), false)
	assert.Equal(t, 2, m.Size())
}

type panicProber struct{}

func (panicProber) Test(ctx context.Context, c *model.Candidate) (*validator.Result, error) {
	panic("prober exploded")
}

func TestRunCycle_SurvivesProberPanic(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), panicProber{})
	_, err := m.Import([]string{"10.0.0.1:80"}, model.ProtocolHTTP)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		m.runCycle(context.Background(), false)
	})
	assert.Equal(t, 0, m.Size())
	assert.True(t, m.IsBlacklisted("10.0.0.1:80"))
}

func TestStart_IdempotentSingleLoop(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber())

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, int32(1), m.loops.Load())
	assert.True(t, m.Running())
	assert.True(t, m.Status().Running)

	m.Stop()
	m.Stop()
	assert.False(t, m.Running())
}

func TestStart_SeedsCuratedBlacklist(t *testing.T) {
	m, _ := newTestManager(t, testPoolConf(), newMockProber(), WithBlacklist([]string{"10.1.1.1", "http://10.2.2.2:8080"}))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	assert.True(t, m.IsBlacklisted("10.1.1.1:3128"))
	assert.True(t, m.IsBlacklisted("10.2.2.2:8080"))
	assert.False(t, m.IsBlacklisted("10.2.2.2:8081"))

	n, err := m.Import([]string{"10.1.1.1:80"}, model.ProtocolHTTP)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStart_RestoresFromStorage(t *testing.T) {
	cfg := testPoolConf()
	cfg.MaxSize = 3
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	fresh := clock.Now().Add(-time.Minute)
	store := &mockStorage{initial: map[string]*model.ProxyInfo{
		"10.0.0.1:80": {Address: "10.0.0.1:80", IP: "10.0.0.1", Port: 80, Protocol: "http", LastTested: fresh, SuccessRate: 1, TotalTests: 4},
		"10.0.0.2:80": {Address: "10.0.0.2:80", IP: "10.0.0.2", Port: 80, Protocol: "http", LastTested: clock.Now().Add(-3 * time.Hour), SuccessRate: 1, TotalTests: 4},
		"10.0.0.3:80": {Address: "10.0.0.3:80", IP: "10.0.0.3", Port: 80, Protocol: "http", LastTested: fresh, SuccessRate: 0.9, TotalTests: 10},
		"10.0.0.4:80": {Address: "10.0.0.4:80", IP: "10.0.0.4", Port: 80, Protocol: "http", LastTested: fresh, SuccessRate: 0.8, TotalTests: 10},
		"10.0.0.5:80": {Address: "10.0.0.5:80", IP: "10.0.0.5", Port: 80, Protocol: "http", LastTested: fresh, SuccessRate: 0.75, TotalTests: 10},
	}}
	m := NewManager(cfg, newMockProber(), nil, WithStorage(store), WithClock(clock.Now))

	require.NoError(t, m.loadProxies())

	m.mu.Lock()
	_, staleInPool := m.pool["10.0.0.2:80"]
	_, staleQueued := m.queued["10.0.0.2:80"]
	_, worstQueued := m.queued["10.0.0.5:80"]
	poolSize := len(m.pool)
	m.mu.Unlock()

	assert.Equal(t, 3, poolSize)
	assert.False(t, staleInPool)
	assert.True(t, staleQueued, "stale entries are re-tested")
	assert.True(t, worstQueued, "entries above MaxSize are queued")
	assertDisjoint(t, m)
}

func TestStop_SavesPool(t *testing.T) {
	store := &mockStorage{}
	m, _ := newTestManager(t, testPoolConf(), newMockProber(), WithStorage(store))
	require.NoError(t, m.Start(context.Background()))
	fill(t, m, "10.0.0.1:80")
	m.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Contains(t, store.saved, "10.0.0.1:80")
}

func TestMetrics_TrackPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	prober := newMockProber()
	prober.setFail("10.0.0.2:80", errors.New("refused"))
	m, _ := newTestManager(t, testPoolConf(), prober, WithMetrics(metrics))
	fill(t, m, "10.0.0.1:80", "10.0.0.2:80")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PoolSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BlacklistSize))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Tests.WithLabelValues("working")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Tests.WithLabelValues("failed")))
}

func TestConcurrentAccess_KeepsSetsDisjoint(t *testing.T) {
	prober := newMockProber()
	m, _ := newTestManager(t, testPoolConf(), prober)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				addr := model.JoinAddress("10.0.1."+strconv.Itoa(i%5+1), 80)
				switch (w + i) % 4 {
				case 0:
					m.Import([]string{addr}, model.ProtocolHTTP)
				case 1:
					m.testQueued(context.Background(), 2)
				case 2:
					m.ReportFailure(addr)
				case 3:
					m.Next(context.Background())
				}
			}
		}(w)
	}
	wg.Wait()
	assertDisjoint(t, m)
}
