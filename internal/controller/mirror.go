package controller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"ethosfleet/internal/registry"
	"ethosfleet/pkg/model"
	"ethosfleet/pkg/store"
)

// mirror 把 Registry 快照同步到外部 store，给 fleetctl --etcd 之类的工具读。
// 写失败只记日志，下一轮会重新比较并补写
type mirror struct {
	reg      *registry.Registry
	store    store.Store
	interval time.Duration
	log      *zap.SugaredLogger

	dirty chan struct{}
	saved map[string]fingerprint // 只在 Run / Sync 的 goroutine 里访问
}

// fingerprint 判断节点快照是否需要重写
type fingerprint struct {
	state     model.NodeState
	endpoint  string
	checkedAt time.Time
}

func newMirror(reg *registry.Registry, st store.Store, interval time.Duration, log *zap.SugaredLogger) *mirror {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &mirror{
		reg:      reg,
		store:    st,
		interval: interval,
		log:      log,
		dirty:    make(chan struct{}, 1),
		saved:    make(map[string]fingerprint),
	}
}

// Notify 节点变更时调用，不阻塞
func (m *mirror) Notify() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *mirror) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sync(ctx)
	for {
		select {
		case <-m.dirty:
			m.Sync(ctx)
		case <-ticker.C:
			m.Sync(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sync 写入变化的节点，删除已经不在 Registry 里的节点
func (m *mirror) Sync(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	nodes := m.reg.List()

	current := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		current[n.ID] = struct{}{}
		fp := fingerprint{state: n.State, endpoint: n.Endpoint, checkedAt: n.LastHealth.CheckedAt}
		if prev, ok := m.saved[n.ID]; ok && prev == fp {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := m.store.SaveNode(sctx, n)
		cancel()
		if err != nil {
			m.log.Warnw("mirror node", "node_id", n.ID, "error", err)
			continue
		}
		m.saved[n.ID] = fp
	}

	for id := range m.saved {
		if _, ok := current[id]; ok {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := m.store.DeleteNode(sctx, id)
		cancel()
		if err != nil {
			m.log.Warnw("delete mirrored node", "node_id", id, "error", err)
			continue
		}
		delete(m.saved, id)
	}
}
