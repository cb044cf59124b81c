package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"ethosfleet/internal/metrics"
	"ethosfleet/internal/registry"
	"ethosfleet/internal/runtime"
	"ethosfleet/pkg/model"
)

// Config 扩缩容相关参数
type Config struct {
	ResyncInterval   time.Duration
	ProvisionTimeout time.Duration
	TerminateTimeout time.Duration
	ProvisionRate    float64 // 每秒允许发起的 provision 次数，<= 0 不限速
	ProvisionBurst   int
}

// Status 扩缩容进度
type Status struct {
	Target     int  `json:"target"`
	Live       int  `json:"live"`
	Converging bool `json:"converging"`
}

// Scaler 负责让存活节点数收敛到 target，以及单节点的恢复 / 退役
//
// 所有 "决定做什么" 的部分在 opMu 里完成 (计算 delta、登记节点、迁移到 Stopping)，
// runtime I/O 全部在锁外的后台 goroutine 里执行
type Scaler struct {
	reg     *registry.Registry
	rt      runtime.Adapter
	tmpl    Template
	cfg     Config
	limiter *rate.Limiter
	rec     metrics.Recorder
	log     *zap.SugaredLogger

	kick     chan struct{} // 容量为 1：新 target 只排队不堆叠
	onTarget func(int)

	// provision 使用的 ctx (限速等待和 runtime 调用)，Close 时取消
	ctx    context.Context
	cancel context.CancelFunc

	opMu     sync.Mutex
	target   int
	inflight map[string]struct{} // Provision 调用尚未返回的节点
	busy     map[string]struct{} // 正在 finalize 的节点
	unbound  map[string]string   // 已 provision 但没能绑定到 registry 的地址，重试终止时使用
	pending  int
	idle     chan struct{} // pending 归零时关闭
	closed   bool          // Close 之后不再接受新的 target / 恢复 / 扩容
}

// New 构造函数。rec 为 nil 时不上报计数
func New(reg *registry.Registry, rt runtime.Adapter, tmpl Template, cfg Config, rec metrics.Recorder, log *zap.SugaredLogger) *Scaler {
	if rec == nil {
		rec = metrics.Nop{}
	}
	limit := rate.Inf
	if cfg.ProvisionRate > 0 {
		limit = rate.Limit(cfg.ProvisionRate)
	}
	burst := cfg.ProvisionBurst
	if burst < 1 {
		burst = 1
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scaler{
		ctx:      ctx,
		cancel:   cancel,
		reg:      reg,
		rt:       rt,
		tmpl:     tmpl,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, burst),
		rec:      rec,
		log:      log,
		kick:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
		busy:     make(map[string]struct{}),
		unbound:  make(map[string]string),
		idle:     make(chan struct{}),
	}
}

// OnTarget 注册 target 变化回调 (持久化、事件)，需在 ScaleTo 之前调用
func (s *Scaler) OnTarget(fn func(int)) {
	s.onTarget = fn
}

// ScaleTo 设置期望节点数并唤醒收敛循环，立即返回
func (s *Scaler) ScaleTo(target int) error {
	if target < 0 {
		return errors.Errorf("invalid fleet target %d", target)
	}

	s.opMu.Lock()
	if s.closed {
		s.opMu.Unlock()
		return model.Errorf(model.ErrShuttingDown, "scale to %d", target)
	}
	changed := s.target != target
	s.target = target
	s.opMu.Unlock()

	s.targetChanged(changed, target)
	s.wake()
	return nil
}

// Close 停止接受新工作：ScaleTo / Recover / Retire 返回 ErrShuttingDown，Converge 不再扩容，
// 排队等待限速和正在进行的 provision 被取消 (节点随后释放)。在途的终止不受影响，用 Wait 等待
func (s *Scaler) Close() {
	s.opMu.Lock()
	already := s.closed
	s.closed = true
	s.opMu.Unlock()

	s.cancel()
	if !already {
		s.log.Info("scaler closed, no new provisioning")
	}
}

// Drain 把 target 置 0 并执行一轮收敛，Close 之后也可以调用 (退出前排空 fleet)
func (s *Scaler) Drain(ctx context.Context) {
	s.opMu.Lock()
	changed := s.target != 0
	s.target = 0
	s.opMu.Unlock()

	s.targetChanged(changed, 0)
	s.Converge(ctx)
}

func (s *Scaler) targetChanged(changed bool, target int) {
	if changed {
		s.log.Infow("fleet target updated", "target", target)
		if s.onTarget != nil {
			s.onTarget(target)
		}
	}
}

func (s *Scaler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Target 当前期望节点数
func (s *Scaler) Target() int {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.target
}

// Run 收敛循环：ScaleTo 唤醒或 resync 定时器触发时执行一轮 Converge
func (s *Scaler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	s.log.Infow("scaler started", "resync", s.cfg.ResyncInterval)
	for {
		select {
		case <-s.kick:
		case <-ticker.C:
		case <-ctx.Done():
			s.log.Info("scaler stopped")
			return
		}
		s.Converge(ctx)
	}
}

// Converge 执行一轮收敛。节点的登记 / 迁移在锁内同步完成，
// 所以连续调用多次也不会重复 provision
func (s *Scaler) Converge(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s.opMu.Lock()
	nodes := s.reg.List()

	// 1. 计算差值：Initializing / Running / Degraded 都占名额
	live := 0
	for _, n := range nodes {
		if n.State.Live() {
			live++
		}
	}
	delta := s.target - live

	var provision []string
	var finalize []model.Node
	switch {
	case delta > 0 && s.closed:
		s.log.Debugw("scaler closed, skip scale-up", "target", s.target, "live", live)

	case delta > 0:
		// 2a. 扩容：先登记 (立即计入 live)，锁外再 provision
		used := make(map[int]bool, len(nodes))
		for _, n := range nodes {
			used[n.Config.Ordinal] = true
		}
		for i := 0; i < delta; i++ {
			ordinal := 0
			for used[ordinal] {
				ordinal++
			}
			used[ordinal] = true
			id := s.reg.Register(s.tmpl(ordinal))
			s.inflight[id] = struct{}{}
			provision = append(provision, id)
		}
		s.log.Infow("scaling up", "target", s.target, "live", live, "add", delta)

	case delta < 0:
		// 2b. 缩容：负载最低的先走
		for _, n := range pickVictims(nodes, -delta) {
			event := model.EventDrain
			if n.State == model.NodeInitializing {
				event = model.EventAbort
			}
			updated, err := s.reg.Transition(n.ID, event)
			if err != nil {
				s.log.Warnw("skip scale-down candidate", "node_id", n.ID, "error", err)
				continue
			}
			if _, ok := s.inflight[n.ID]; ok {
				// provision 返回后由 provision goroutine 收尾
				continue
			}
			if _, ok := s.busy[n.ID]; ok {
				continue
			}
			s.busy[n.ID] = struct{}{}
			finalize = append(finalize, updated)
		}
		s.log.Infow("scaling down", "target", s.target, "live", live, "remove", -delta)
	}

	// 3. 上一轮终止失败、还卡在 Stopping 的节点重新收尾
	for _, n := range nodes {
		if n.State != model.NodeStopping {
			continue
		}
		if _, ok := s.inflight[n.ID]; ok {
			continue
		}
		if _, ok := s.busy[n.ID]; ok {
			continue
		}
		s.busy[n.ID] = struct{}{}
		finalize = append(finalize, n)
	}

	s.pending += len(provision) + len(finalize)
	s.opMu.Unlock()

	// 4. 锁外执行 runtime I/O
	for _, id := range provision {
		go func(id string) {
			defer s.done()
			s.provision(id)
		}(id)
	}
	for _, n := range finalize {
		go func(n model.Node) {
			defer s.done()
			_ = s.finalize(n.ID, n.Endpoint)
		}(n)
	}
}

// Recover 单节点恢复：Degraded → Stopping，同时登记一个相同配置的替代节点 (新 id)。
// 旧节点先终止、删除，然后再 provision 替代节点
func (s *Scaler) Recover(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.opMu.Lock()
	if s.closed {
		s.opMu.Unlock()
		return model.Errorf(model.ErrShuttingDown, "recover %s", id)
	}
	old, err := s.reg.Transition(id, model.EventRecover)
	if err != nil {
		s.opMu.Unlock()
		return err
	}
	replacement := s.reg.Register(old.Config)
	s.inflight[replacement] = struct{}{}
	s.busy[id] = struct{}{}
	s.pending++
	s.opMu.Unlock()

	s.rec.RecoveryStarted(id)
	s.log.Infow("recovering node", "node_id", id, "name", old.Config.Name, "replacement", replacement)

	go func() {
		defer s.done()
		if err := s.finalize(id, old.Endpoint); err != nil {
			s.log.Warnw("old node not released yet, provisioning replacement anyway", "node_id", id, "error", err)
		}
		s.provision(replacement)
	}()
	return nil
}

// Retire 把节点移到 Stopping (event 通常是 Abort 或 Drain) 并在后台释放
func (s *Scaler) Retire(ctx context.Context, id string, event model.NodeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.opMu.Lock()
	if s.closed {
		s.opMu.Unlock()
		return model.Errorf(model.ErrShuttingDown, "retire %s", id)
	}
	node, err := s.reg.Transition(id, event)
	if err != nil {
		s.opMu.Unlock()
		return err
	}
	if _, ok := s.inflight[id]; ok {
		s.opMu.Unlock()
		return nil
	}
	s.busy[id] = struct{}{}
	s.pending++
	s.opMu.Unlock()

	s.log.Infow("retiring node", "node_id", id, "event", event)
	go func() {
		defer s.done()
		_ = s.finalize(id, node.Endpoint)
	}()
	return nil
}

// Wait 阻塞直到所有后台 provision / terminate 结束，或 ctx 到期
func (s *Scaler) Wait(ctx context.Context) error {
	for {
		s.opMu.Lock()
		if s.pending == 0 {
			s.opMu.Unlock()
			return nil
		}
		idle := s.idle
		s.opMu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for scaler")
		}
	}
}

// Status 返回 target、当前存活数以及是否仍在收敛
func (s *Scaler) Status() Status {
	counts := s.reg.Count()
	live := counts[model.NodeInitializing] + counts[model.NodeRunning] + counts[model.NodeDegraded]

	s.opMu.Lock()
	defer s.opMu.Unlock()
	return Status{
		Target:     s.target,
		Live:       live,
		Converging: s.pending > 0 || live != s.target || counts[model.NodeStopping] > 0,
	}
}

// provision 为已登记的节点申请 runtime 资源并绑定地址
func (s *Scaler) provision(id string) {
	node, err := s.reg.Get(id)
	if err != nil {
		s.clearInflight(id)
		return
	}

	// 1. 限速。等待期间节点可能已经被缩容放弃，或 scaler 已经关闭
	if err := s.limiter.Wait(s.ctx); err != nil {
		s.log.Infow("provision cancelled before start", "node_id", id, "name", node.Config.Name, "error", err)
		s.handoff(id, true)
		_ = s.finalize(id, "")
		return
	}
	if current, err := s.reg.Get(id); err != nil || current.State != model.NodeInitializing {
		s.handoff(id, false)
		_ = s.finalize(id, "")
		return
	}

	// 2. 调用 runtime，受 provision_timeout 约束
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ProvisionTimeout)
	endpoint, err := s.rt.Provision(ctx, node.Config)
	cancel()
	if err != nil {
		if s.ctx.Err() != nil {
			s.log.Infow("provision cancelled", "node_id", id, "name", node.Config.Name, "error", err)
		} else {
			s.rec.ProvisionFailed(node.Config.Name)
			s.log.Errorw("provision failed", "node_id", id, "name", node.Config.Name, "error", err)
		}
		s.handoff(id, true)
		_ = s.finalize(id, "")
		return
	}

	// 3. 绑定地址。和 Converge / Retire 互斥，保证 Stopping 节点只有一个收尾方
	s.opMu.Lock()
	delete(s.inflight, id)
	_, err = s.reg.SetEndpoint(id, endpoint)
	if err != nil {
		s.busy[id] = struct{}{}
		if !errors.Is(err, model.ErrEndpointInUse) {
			s.unbound[id] = endpoint
		}
	}
	s.opMu.Unlock()

	switch {
	case err == nil:
		s.log.Infow("node provisioned", "node_id", id, "name", node.Config.Name, "endpoint", endpoint)
	case errors.Is(err, model.ErrEndpointInUse):
		// 地址被别的节点占用时不能终止它，只放弃本节点
		s.log.Errorw("runtime returned an endpoint already in use", "node_id", id, "endpoint", endpoint)
		s.handoff(id, true)
		_ = s.finalize(id, "")
	default:
		// provision 期间节点已经被放弃
		s.log.Infow("node abandoned during provision", "node_id", id, "endpoint", endpoint)
		_ = s.finalize(id, endpoint)
	}
}

// handoff 结束 provision 阶段，节点交给当前 goroutine 收尾。abort 为 true 时先迁移到 Stopping
func (s *Scaler) handoff(id string, abort bool) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	delete(s.inflight, id)
	s.busy[id] = struct{}{}
	if !abort {
		return
	}
	if _, err := s.reg.Transition(id, model.EventAbort); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		s.log.Warnw("abort node", "node_id", id, "error", err)
	}
}

// finalize Stopping → 终止 runtime → Stopped → 从 registry 删除。
// 终止失败时节点留在 Stopping，由下一轮 Converge 重试
func (s *Scaler) finalize(id, endpoint string) error {
	defer s.release(id)

	if endpoint == "" {
		s.opMu.Lock()
		endpoint = s.unbound[id]
		s.opMu.Unlock()
	}

	if endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateTimeout)
		err := s.rt.Terminate(ctx, endpoint)
		cancel()
		if err != nil {
			s.log.Warnw("terminate failed, will retry", "node_id", id, "endpoint", endpoint, "error", err)
			return model.Errorf(model.ErrTerminate, "node %s: %v", id, err)
		}
	}

	if _, err := s.reg.Transition(id, model.EventTerminated); err != nil {
		s.log.Warnw("mark node stopped", "node_id", id, "error", err)
		return err
	}
	if err := s.reg.Remove(id); err != nil {
		s.log.Warnw("remove node", "node_id", id, "error", err)
		return err
	}

	s.opMu.Lock()
	delete(s.unbound, id)
	s.opMu.Unlock()
	s.log.Infow("node removed", "node_id", id)
	return nil
}

func (s *Scaler) release(id string) {
	s.opMu.Lock()
	delete(s.busy, id)
	s.opMu.Unlock()
}

func (s *Scaler) clearInflight(id string) {
	s.opMu.Lock()
	delete(s.inflight, id)
	s.opMu.Unlock()
}

func (s *Scaler) done() {
	s.opMu.Lock()
	s.pending--
	if s.pending == 0 {
		close(s.idle)
		s.idle = make(chan struct{})
	}
	s.opMu.Unlock()
}
