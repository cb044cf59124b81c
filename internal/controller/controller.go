// Package controller 把 Registry、Scaler、Monitor、Balancer、Exporter 组装成一个 fleet 控制器，
// 并负责可选的外部组件：etcd 快照 / target、NATS 事件、管理 HTTP 接口。
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ethosfleet/internal/api"
	"ethosfleet/internal/balancer"
	"ethosfleet/internal/config"
	"ethosfleet/internal/events"
	"ethosfleet/internal/health"
	"ethosfleet/internal/metrics"
	"ethosfleet/internal/registry"
	"ethosfleet/internal/runtime"
	"ethosfleet/internal/scaler"
	"ethosfleet/pkg/model"
	"ethosfleet/pkg/store"
)

const storeTimeout = 5 * time.Second

// Deps 可注入的依赖。为空的字段按配置构建
type Deps struct {
	Runtime   runtime.Adapter
	Store     store.Store
	Publisher events.Publisher
	Log       *zap.Logger
}

// Controller 持有全部子系统，对外提供 ListNodes / ScaleTo 等操作
type Controller struct {
	cfg config.Config
	log *zap.SugaredLogger

	reg       *registry.Registry
	rt        runtime.Adapter
	tmpl      scaler.Template
	scaler    *scaler.Scaler
	monitor   *health.Monitor
	balancer  *balancer.Balancer
	exporter  *metrics.Exporter
	store     store.Store // 可以为 nil
	publisher events.Publisher
	admin     *api.Server // 可以为 nil
	mirror    *mirror     // store 为 nil 时也为 nil

	// 两组 cancel：控制类循环 (balancer / scaler / watcher) 先停，观测类循环最后停
	stopControl context.CancelFunc
	stopObserve context.CancelFunc
	loops       sync.WaitGroup
	observers   sync.WaitGroup
}

// New 组装控制器。只有 Registry / runtime 构建失败是致命的，
// etcd 和 NATS 连不上时降级为不启用并记录警告
func New(cfg config.Config, deps Deps) (*Controller, error) {
	logger := deps.Log
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg: cfg,
		log: logger.Named("controller").Sugar(),
		reg: registry.New(),
	}

	// 1. runtime
	c.rt = deps.Runtime
	if c.rt == nil {
		rt, err := buildRuntime(cfg, logger.Named("runtime").Sugar())
		if err != nil {
			return nil, err
		}
		c.rt = rt
	}

	// 2. 节点模板
	base, err := cfg.Runtime.Docker.LoadBaseConfig()
	if err != nil {
		return nil, err
	}
	c.tmpl = scaler.NodeTemplate(base, cfg.Runtime.Docker.BasePort, cfg.Runtime.Docker.Capacity())

	// 3. 核心组件。Exporter 同时作为其它组件的计数器
	var target func() int
	c.exporter = metrics.NewExporter(c.reg, func() int { return target() }, cfg.Metrics.ExportInterval, logger.Named("exporter").Sugar())
	c.scaler = scaler.New(c.reg, c.rt, c.tmpl, scaler.Config{
		ResyncInterval:   cfg.Fleet.ResyncInterval,
		ProvisionTimeout: cfg.Fleet.ProvisionTimeout,
		TerminateTimeout: cfg.Fleet.TerminateTimeout,
		ProvisionRate:    cfg.Fleet.ProvisionRate,
		ProvisionBurst:   cfg.Fleet.ProvisionBurst,
	}, c.exporter, logger.Named("scaler").Sugar())
	target = c.scaler.Target

	c.monitor = health.NewMonitor(c.reg, c.rt, c.scaler, c.exporter, health.Config{
		Interval:             cfg.Health.ProbeInterval,
		Timeout:              cfg.Health.ProbeTimeout,
		DegradationThreshold: cfg.Health.DegradationThreshold,
		RecoveryThreshold:    cfg.Health.RecoveryThreshold,
		ProvisionTimeout:     cfg.Fleet.ProvisionTimeout,
	}, logger.Named("monitor").Sugar())

	c.balancer = balancer.New(c.reg, c.rt, balancer.Config{
		Interval:       cfg.Balancer.Interval,
		OverloadFactor: cfg.Balancer.OverloadFactor,
		MigrateTimeout: cfg.Balancer.MigrateTimeout,
		History:        cfg.Balancer.History,
	}, c.exporter, logger.Named("balancer").Sugar())

	// 4. 外部存储和事件
	c.store = deps.Store
	if c.store == nil && len(cfg.Store.EtcdEndpoints) > 0 {
		st, err := store.NewEtcdManager(cfg.Store.EtcdEndpoints, cfg.Store.Prefix, cfg.Store.DialTimeout, logger.Named("store").Sugar())
		if err != nil {
			c.log.Warnw("etcd unavailable, running without external store", "endpoints", cfg.Store.EtcdEndpoints, "error", err)
		} else {
			c.store = st
		}
	}
	c.publisher = deps.Publisher
	if c.publisher == nil {
		c.publisher = events.Nop{}
		if cfg.Events.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events").Sugar())
			if err != nil {
				c.log.Warnw("nats unavailable, fleet events disabled", "url", cfg.Events.NATSURL, "error", err)
			} else {
				c.publisher = pub
			}
		}
	}
	if c.store != nil {
		c.mirror = newMirror(c.reg, c.store, cfg.Metrics.ExportInterval, logger.Named("mirror").Sugar())
	}

	// 5. 回调
	c.reg.Subscribe(c.onNodeChange)
	c.scaler.OnTarget(c.onTarget)
	c.balancer.OnMigration(c.onMigration)

	// 6. 管理接口
	if cfg.Admin.Addr != "" {
		c.admin = api.NewServer(cfg.Admin.Addr, c, c.exporter.Handler(), logger.Named("api").Sugar())
	}
	return c, nil
}

func buildRuntime(cfg config.Config, log *zap.SugaredLogger) (runtime.Adapter, error) {
	switch cfg.Runtime.Kind {
	case "sim":
		return runtime.NewSimAdapter(), nil
	case "docker":
		d := cfg.Runtime.Docker
		return runtime.NewDockerAdapter(runtime.DockerConfig{
			Host:          d.Host,
			Image:         d.Image,
			ContainerPort: d.ContainerPort,
			DataDir:       d.DataDir,
			Network:       d.Network,
			MigratePath:   d.MigratePath,
			StopTimeout:   int(cfg.Fleet.TerminateTimeout / time.Second),
		}, log)
	default:
		return nil, errors.Errorf("unknown runtime %q", cfg.Runtime.Kind)
	}
}

// Start 接管已有节点，启动所有后台循环并设置初始 target。持久化的 target 优先于配置
func (c *Controller) Start(ctx context.Context) error {
	controlCtx, stopControl := context.WithCancel(ctx)
	observeCtx, stopObserve := context.WithCancel(ctx)
	c.stopControl = stopControl
	c.stopObserve = stopObserve

	// 1. 管理接口先起来，端口冲突直接返回
	if c.admin != nil {
		if err := c.admin.Start(); err != nil {
			stopControl()
			stopObserve()
			return err
		}
	}

	// 2. 接管上一个进程留下的节点，之后 Scaler 只补差额
	c.reconcile(ctx)

	// 3. 观测类循环
	c.goObserve(func() { c.monitor.Run(observeCtx) })
	c.goObserve(func() { c.exporter.Run(observeCtx) })
	if c.mirror != nil {
		c.goObserve(func() { c.mirror.Run(observeCtx) })
	}

	// 4. 控制类循环
	c.goControl(func() { c.scaler.Run(controlCtx) })
	c.goControl(func() { c.balancer.Run(controlCtx) })

	// 5. 初始 target + 外部修改监听
	initial := c.cfg.Fleet.Target
	if c.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		persisted, ok, err := c.store.GetTarget(sctx)
		cancel()
		switch {
		case err != nil:
			c.log.Warnw("read persisted target", "error", err)
		case ok:
			c.log.Infow("using persisted fleet target", "target", persisted, "configured", initial)
			initial = persisted
		}
		watch := c.store.WatchTarget(controlCtx)
		c.goControl(func() { c.watchTarget(controlCtx, watch) })
	}

	c.log.Infow("fleet controller started", "target", initial, "runtime", c.cfg.Runtime.Kind)
	return c.scaler.ScaleTo(initial)
}

func (c *Controller) goControl(fn func()) {
	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		fn()
	}()
}

func (c *Controller) goObserve(fn func()) {
	c.observers.Add(1)
	go func() {
		defer c.observers.Done()
		fn()
	}()
}

// watchTarget 运维直接改 etcd 里的 target 时跟着扩缩容。
// 事件只当作通知，值以 store 当前内容为准，避免排队的旧事件 (包括自己写回的) 覆盖新值
func (c *Controller) watchTarget(ctx context.Context, watch <-chan int) {
	for {
		select {
		case target, ok := <-watch:
			if !ok {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, storeTimeout)
			current, found, err := c.store.GetTarget(sctx)
			cancel()
			if err == nil && found {
				target = current
			}
			if err := c.scaler.ScaleTo(target); err != nil {
				c.log.Warnw("ignore persisted target", "target", target, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown 按顺序停止：先停下发新指令的循环，可选排空，再等在途操作，最后关闭外部连接
func (c *Controller) Shutdown(ctx context.Context) error {
	c.log.Info("shutting down fleet controller")

	// 1. 不再产生新的迁移和扩缩容决策，Monitor 也不能再触发替换
	c.haltControl()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Fleet.ShutdownTimeout)
	defer cancel()

	var errs error

	// 2. 可选排空
	if c.cfg.Fleet.DrainOnShutdown {
		c.log.Infow("draining fleet before exit", "live", c.scaler.Status().Live)
		c.scaler.Drain(ctx)
	}

	// 3. 等待在途的 provision / terminate / migrate
	errs = multierr.Append(errs, c.scaler.Wait(ctx))
	errs = multierr.Append(errs, c.balancer.Wait(ctx))

	// 4. 观测类循环
	if c.stopObserve != nil {
		c.stopObserve()
	}
	c.observers.Wait()
	if c.mirror != nil {
		c.mirror.Sync(ctx)
	}

	// 5. 外部连接
	if c.admin != nil {
		errs = multierr.Append(errs, c.admin.Shutdown(ctx))
	}
	if c.store != nil {
		errs = multierr.Append(errs, c.store.Close())
	}
	errs = multierr.Append(errs, c.publisher.Close())
	if closer, ok := c.rt.(runtime.Closer); ok {
		errs = multierr.Append(errs, closer.Close())
	}

	if errs != nil {
		c.log.Warnw("fleet controller stopped with errors", "error", errs)
	} else {
		c.log.Info("fleet controller stopped")
	}
	return errs
}

// haltControl 停掉控制类循环并关闭 Scaler，排队中的 provision 一并取消
func (c *Controller) haltControl() {
	if c.stopControl != nil {
		c.stopControl()
	}
	c.loops.Wait()
	c.scaler.Close()
}

func (c *Controller) onNodeChange(change model.NodeChange) {
	c.publisher.NodeChanged(change)
	if c.mirror != nil {
		c.mirror.Notify()
	}
}

func (c *Controller) onTarget(target int) {
	c.publisher.TargetChanged(target)
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.SaveTarget(ctx, target); err != nil {
		c.log.Warnw("persist fleet target", "target", target, "error", err)
	}
}

func (c *Controller) onMigration(m model.Migration) {
	c.publisher.MigrationUpdated(m)
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.SaveMigration(ctx, m); err != nil {
		c.log.Warnw("persist migration", "migration_id", m.ID, "error", err)
	}
}

// --- 管理面操作 (api.Fleet) ---

// ListNodes 当前所有节点的只读视图
func (c *Controller) ListNodes() []model.NodeStatus {
	nodes := c.reg.List()
	out := make([]model.NodeStatus, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Status())
	}
	return out
}

func (c *Controller) GetNode(id string) (model.Node, error) {
	return c.reg.Get(id)
}

// ScaleTo 设置期望规模，收敛在后台进行。Shutdown 之后返回 ErrShuttingDown
func (c *Controller) ScaleTo(target int) error {
	return c.scaler.ScaleTo(target)
}

func (c *Controller) Migrations() []model.Migration {
	return c.balancer.Migrations()
}

func (c *Controller) Status() scaler.Status {
	return c.scaler.Status()
}

func (c *Controller) Counts() map[model.NodeState]int {
	return c.reg.Count()
}
