package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ethosfleet/internal/registry"
	"ethosfleet/pkg/model"
)

const namespace = "ethosfleet"

// Recorder 其它组件上报事件计数用，nil 安全的实现见 Nop
type Recorder interface {
	ProbeFailed(nodeID string)
	RecoveryStarted(nodeID string)
	ProvisionFailed(nodeName string)
	MigrationFinished(ok bool)
}

// Nop 什么都不记录
type Nop struct{}

func (Nop) ProbeFailed(string)     {}
func (Nop) RecoveryStarted(string) {}
func (Nop) ProvisionFailed(string) {}
func (Nop) MigrationFinished(bool) {}

// Exporter 只读 Registry，按 tick 刷新每个节点的 health / load 两个 gauge
type Exporter struct {
	reg      *registry.Registry
	target   func() int
	interval time.Duration
	log      *zap.SugaredLogger

	prom *prometheus.Registry

	nodeHealth   *prometheus.GaugeVec
	nodeLoad     *prometheus.GaugeVec
	nodesByState *prometheus.GaugeVec
	fleetTarget  prometheus.Gauge

	probeFailures     prometheus.Counter
	recoveries        prometheus.Counter
	provisionFailures prometheus.Counter
	migrations        *prometheus.CounterVec

	mu       sync.Mutex
	exported map[string]struct{} // 上一个 tick 导出过的 node id
}

// NewExporter target 返回当前 FleetTarget，可以为 nil
func NewExporter(reg *registry.Registry, target func() int, interval time.Duration, log *zap.SugaredLogger) *Exporter {
	e := &Exporter{
		reg:      reg,
		target:   target,
		interval: interval,
		log:      log,
		prom:     prometheus.NewRegistry(),
		exported: make(map[string]struct{}),

		nodeHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_health",
			Help:      "Health status of fleet nodes (1 healthy, 0 otherwise).",
		}, []string{"node_id"}),
		nodeLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_load",
			Help:      "Last reported load of fleet nodes.",
		}, []string{"node_id"}),
		nodesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Number of nodes per lifecycle state.",
		}, []string{"state"}),
		fleetTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_target",
			Help:      "Desired fleet size.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed or timed out node probes.",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Node recoveries started by the health monitor.",
		}),
		provisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_failures_total",
			Help:      "Nodes the runtime failed to provision.",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Migration directives by reported result.",
		}, []string{"result"}),
	}
	e.prom.MustRegister(
		e.nodeHealth, e.nodeLoad, e.nodesByState, e.fleetTarget,
		e.probeFailures, e.recoveries, e.provisionFailures, e.migrations,
	)
	return e
}

// Run 后台循环，ctx 取消后退出
func (e *Exporter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.Export()
	for {
		select {
		case <-ticker.C:
			e.Export()
		case <-ctx.Done():
			e.log.Debug("exporter stopped")
			return
		}
	}
}

// Export 执行一次导出。期间被删除的节点直接不出现在本次输出里
func (e *Exporter) Export() {
	nodes := e.reg.List()

	e.mu.Lock()
	defer e.mu.Unlock()

	current := make(map[string]struct{}, len(nodes))
	counts := make(map[model.NodeState]int)
	for _, n := range nodes {
		current[n.ID] = struct{}{}
		counts[n.State]++

		healthy := 0.0
		if n.LastHealth.Healthy() {
			healthy = 1
		}
		e.nodeHealth.WithLabelValues(n.ID).Set(healthy)
		e.nodeLoad.WithLabelValues(n.ID).Set(n.LastHealth.Load)
	}
	// 不用 Reset：避免抓取时看到空的中间状态
	for id := range e.exported {
		if _, ok := current[id]; !ok {
			e.nodeHealth.DeleteLabelValues(id)
			e.nodeLoad.DeleteLabelValues(id)
		}
	}
	e.exported = current

	for _, st := range model.AllNodeStates() {
		e.nodesByState.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	if e.target != nil {
		e.fleetTarget.Set(float64(e.target()))
	}
}

// Handler /metrics
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.prom, promhttp.HandlerOpts{})
}

// Gatherer 测试和嵌入方使用
func (e *Exporter) Gatherer() prometheus.Gatherer {
	return e.prom
}

func (e *Exporter) ProbeFailed(string) {
	e.probeFailures.Inc()
}

func (e *Exporter) RecoveryStarted(string) {
	e.recoveries.Inc()
}

func (e *Exporter) ProvisionFailed(string) {
	e.provisionFailures.Inc()
}

func (e *Exporter) MigrationFinished(ok bool) {
	if ok {
		e.migrations.WithLabelValues("succeeded").Inc()
		return
	}
	e.migrations.WithLabelValues("failed").Inc()
}
