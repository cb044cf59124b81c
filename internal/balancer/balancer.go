package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/internal/metrics"
	"ethosfleet/internal/registry"
	"ethosfleet/internal/runtime"
	"ethosfleet/pkg/model"
)

// Config 负载均衡参数
type Config struct {
	Interval       time.Duration
	OverloadFactor float64
	MigrateTimeout time.Duration
	History        int // 保留的迁移记录条数
}

// Balancer 周期性比较节点负载，对过载节点下发迁移指令
// 迁移结果只记录，不重试；持续的不均衡会在下一轮再次触发
type Balancer struct {
	reg     *registry.Registry
	rt      runtime.Adapter
	cfg     Config
	metrics metrics.Recorder
	log     *zap.SugaredLogger

	onMigration func(model.Migration)

	mu      sync.Mutex
	history []model.Migration
	wg      sync.WaitGroup
}

func New(reg *registry.Registry, rt runtime.Adapter, cfg Config, m metrics.Recorder, log *zap.SugaredLogger) *Balancer {
	if m == nil {
		m = metrics.Nop{}
	}
	if cfg.History <= 0 {
		cfg.History = 100
	}
	return &Balancer{
		reg:     reg,
		rt:      rt,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// OnMigration 每次下发和收到结果时回调 (持久化、事件)，需在 Run 之前设置
func (b *Balancer) OnMigration(fn func(model.Migration)) {
	b.onMigration = fn
}

// Run 负载均衡主循环
func (b *Balancer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.log.Infow("balancer started", "interval", b.cfg.Interval, "factor", b.cfg.OverloadFactor)
	for {
		select {
		case <-ticker.C:
			b.Tick(ctx)
		case <-ctx.Done():
			b.log.Info("balancer stopped")
			return
		}
	}
}

// Tick 执行一轮：计算计划并异步下发，返回本轮下发的指令
func (b *Balancer) Tick(ctx context.Context) []model.Migration {
	if ctx.Err() != nil {
		return nil
	}

	plan := Plan(b.reg.List(), b.cfg.OverloadFactor)
	issued := make([]model.Migration, 0, len(plan))
	for _, d := range plan {
		issued = append(issued, b.issue(ctx, d))
	}
	return issued
}

func (b *Balancer) issue(ctx context.Context, d Directive) model.Migration {
	m := model.Migration{
		ID:         "mig-" + uuid.NewString(),
		SourceID:   d.Source.ID,
		TargetID:   d.Target.ID,
		SourceLoad: d.Source.LastHealth.Load,
		TargetLoad: d.Target.LastHealth.Load,
		MeanLoad:   d.Mean,
	}
	m.Status.State = model.MigrationPending
	m.Status.IssuedAt = time.Now()
	b.record(m)

	b.log.Infow("migration issued",
		"migration_id", m.ID,
		"source", m.SourceID, "source_load", m.SourceLoad,
		"target", m.TargetID, "target_load", m.TargetLoad,
		"mean", m.MeanLoad)

	// 异步执行，不阻塞下一条指令；停止循环后仍让已下发的迁移跑完
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.MigrateTimeout)
		defer cancel()

		err := b.rt.Migrate(mctx, d.Source.Endpoint, d.Target.Endpoint)
		b.finish(m, err)
	}()
	return m
}

func (b *Balancer) finish(m model.Migration, err error) {
	m.Status.FinishedAt = time.Now()
	if err != nil {
		err = model.Errorf(model.ErrMigration, "%s -> %s: %v", m.SourceID, m.TargetID, err)
		m.Status.State = model.MigrationFailed
		m.Status.Error = err.Error()
		b.log.Warnw("migration failed", "migration_id", m.ID, "error", err)
	} else {
		m.Status.State = model.MigrationSucceeded
		b.log.Infow("migration finished", "migration_id", m.ID, "took", m.Status.FinishedAt.Sub(m.Status.IssuedAt))
	}
	b.metrics.MigrationFinished(err == nil)
	b.record(m)
}

// record 写入或更新历史 (按 id)，超出上限丢最旧的
func (b *Balancer) record(m model.Migration) {
	b.mu.Lock()
	replaced := false
	for i := range b.history {
		if b.history[i].ID == m.ID {
			b.history[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		b.history = append(b.history, m)
		if over := len(b.history) - b.cfg.History; over > 0 {
			b.history = append([]model.Migration(nil), b.history[over:]...)
		}
	}
	b.mu.Unlock()

	if b.onMigration != nil {
		b.onMigration(m)
	}
}

// Migrations 迁移历史，旧的在前
func (b *Balancer) Migrations() []model.Migration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Migration, len(b.history))
	copy(out, b.history)
	return out
}

// Wait 等待已下发的迁移返回
func (b *Balancer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for migrations")
	}
}
