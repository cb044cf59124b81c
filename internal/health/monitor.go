package health

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/internal/metrics"
	"ethosfleet/internal/registry"
	"ethosfleet/internal/runtime"
	"ethosfleet/pkg/model"
)

// Recoverer 由 Scaler 实现。Monitor 自己从不启动或停止节点
type Recoverer interface {
	Recover(ctx context.Context, id string) error
	Retire(ctx context.Context, id string, event model.NodeEvent) error
}

// Config 探测参数
type Config struct {
	Interval             time.Duration
	Timeout              time.Duration
	DegradationThreshold int
	RecoveryThreshold    int
	ProvisionTimeout     time.Duration // Initializing 节点等待第一次成功探测的上限
}

// Monitor 周期性探测节点，维护连续失败计数并驱动 Degrade / 恢复
type Monitor struct {
	reg     *registry.Registry
	rt      runtime.Adapter
	rec     Recoverer
	metrics metrics.Recorder
	cfg     Config
	log     *zap.SugaredLogger
	now     func() time.Time

	mu      sync.Mutex
	streaks map[string]int // node id -> 连续失败次数
}

func NewMonitor(reg *registry.Registry, rt runtime.Adapter, rec Recoverer, m metrics.Recorder, cfg Config, log *zap.SugaredLogger) *Monitor {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Monitor{
		reg:     reg,
		rt:      rt,
		rec:     rec,
		metrics: m,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		streaks: make(map[string]int),
	}
}

// Run 探测主循环
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.log.Infow("health monitor started", "interval", m.cfg.Interval, "timeout", m.cfg.Timeout)
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			m.log.Info("health monitor stopped")
			return
		}
	}
}

type outcome struct {
	node   model.Node
	health model.Health
	err    error
}

// Tick 执行一轮探测：并发探测，全部返回后再依次应用结果
func (m *Monitor) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	// 1. 快照。Initializing 节点绑定地址后才可探测
	nodes := m.reg.List()
	targets := make([]model.Node, 0, len(nodes))
	for _, n := range nodes {
		switch n.State {
		case model.NodeRunning, model.NodeDegraded:
			targets = append(targets, n)
		case model.NodeInitializing:
			if n.Endpoint != "" {
				targets = append(targets, n)
			}
		}
	}

	// 2. 并发探测，每个探测单独受 timeout 约束
	results := make([]outcome, len(targets))
	var wg sync.WaitGroup
	for i, n := range targets {
		wg.Add(1)
		go func(i int, n model.Node) {
			defer wg.Done()
			results[i] = m.probe(ctx, n)
		}(i, n)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	// 3. 顺序应用
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = n.State == model.NodeRunning || n.State == model.NodeDegraded
	}
	for id := range m.streaks {
		if !present[id] {
			delete(m.streaks, id)
		}
	}

	for _, r := range results {
		m.apply(ctx, r)
	}
}

func (m *Monitor) probe(ctx context.Context, n model.Node) outcome {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	res, err := m.rt.Probe(pctx, n.Endpoint)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || pctx.Err() == context.DeadlineExceeded):
		err = model.Errorf(model.ErrProbeTimeout, "%s after %s", n.Endpoint, m.cfg.Timeout)
	case err != nil:
		if !errors.Is(err, model.ErrProbe) {
			err = model.Errorf(model.ErrProbe, "%s: %v", n.Endpoint, err)
		}
	case res.Status != model.StatusOK:
		err = model.Errorf(model.ErrProbe, "%s reported status %q", n.Endpoint, res.Status)
	}

	h := model.Health{Status: res.Status, Load: res.Load, CheckedAt: m.now()}
	if err != nil {
		h.Err = err.Error()
		if h.Status == "" {
			h.Status = "error"
		}
	}
	return outcome{node: n, health: h, err: err}
}

// apply 调用方持有 m.mu
func (m *Monitor) apply(ctx context.Context, r outcome) {
	n := r.node
	if err := m.reg.RecordHealth(n.ID, r.health); err != nil {
		// 探测期间节点已被删除
		return
	}

	if r.err == nil {
		delete(m.streaks, n.ID)
		if n.State == model.NodeInitializing || n.State == model.NodeDegraded {
			if _, err := m.reg.Transition(n.ID, model.EventProbeSucceeded); err != nil {
				m.log.Debugw("probe success not applied", "node_id", n.ID, "error", err)
				return
			}
			m.log.Infow("node running", "node_id", n.ID, "from", n.State, "load", r.health.Load)
		}
		return
	}

	m.metrics.ProbeFailed(n.ID)

	// Initializing 失败不计数，只检查是否超过 provision 时限
	if n.State == model.NodeInitializing {
		if age := m.now().Sub(n.CreatedAt); age > m.cfg.ProvisionTimeout {
			m.log.Warnw("node never became healthy, aborting", "node_id", n.ID, "age", age, "error", r.err)
			if err := m.rec.Retire(ctx, n.ID, model.EventAbort); err != nil {
				m.log.Warnw("abort node", "node_id", n.ID, "error", err)
			}
		}
		return
	}

	m.streaks[n.ID]++
	streak := m.streaks[n.ID]
	m.log.Warnw("probe failed", "node_id", n.ID, "streak", streak, "error", r.err)

	state := n.State
	if state == model.NodeRunning && streak >= m.cfg.DegradationThreshold {
		updated, err := m.reg.Transition(n.ID, model.EventDegrade)
		if err != nil {
			m.log.Debugw("degrade not applied", "node_id", n.ID, "error", err)
			return
		}
		state = updated.State
		m.log.Warnw("node degraded", "node_id", n.ID, "streak", streak)
	}

	if state == model.NodeDegraded && streak >= m.cfg.RecoveryThreshold {
		if err := m.rec.Recover(ctx, n.ID); err != nil {
			m.log.Warnw("recovery not started", "node_id", n.ID, "error", err)
			return
		}
		delete(m.streaks, n.ID)
	}
}

// Streak 当前连续失败次数
func (m *Monitor) Streak(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streaks[id]
}
