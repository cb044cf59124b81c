package controller

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ethosfleet/internal/config"
	"ethosfleet/internal/runtime"
	"ethosfleet/pkg/model"
	"ethosfleet/pkg/store"
)

type recordingPublisher struct {
	mu         sync.Mutex
	changes    []model.NodeChange
	migrations []model.Migration
	targets    []int
	closed     bool
}

func (p *recordingPublisher) NodeChanged(c model.NodeChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, c)
}

func (p *recordingPublisher) MigrationUpdated(m model.Migration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.migrations = append(p.migrations, m)
}

func (p *recordingPublisher) TargetChanged(target int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, target)
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) Targets() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.targets...)
}

// testConfig 所有循环的间隔都设得很长，测试里手动调用 Tick
func testConfig() config.Config {
	cfg := config.Default()
	cfg.Runtime.Kind = "sim"
	cfg.Admin.Addr = ""
	cfg.Fleet.Target = 3
	cfg.Fleet.ProvisionRate = 0
	cfg.Fleet.ShutdownTimeout = 5 * time.Second
	cfg.Health.ProbeInterval = time.Hour
	cfg.Health.ProbeTimeout = 100 * time.Millisecond
	cfg.Balancer.Interval = 2 * time.Hour
	cfg.Metrics.ExportInterval = time.Hour
	return cfg
}

type harness struct {
	c   *Controller
	sim *runtime.SimAdapter
	st  *store.Memory
	pub *recordingPublisher
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	return newHarnessOn(t, cfg, runtime.NewSimAdapter(), store.NewMemory())
}

// newHarnessOn 复用已有的 runtime 和 store，模拟控制器重启
func newHarnessOn(t *testing.T, cfg config.Config, sim *runtime.SimAdapter, st *store.Memory) *harness {
	t.Helper()
	h := &harness{sim: sim, st: st, pub: &recordingPublisher{}}
	c, err := New(cfg, Deps{Runtime: h.sim, Store: h.st, Publisher: h.pub, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	h.c = c
	return h
}

func (h *harness) countState(state model.NodeState) int {
	return h.c.Counts()[state]
}

// settle 反复探测，直到 n 个节点全部 Running 且没有在途操作
func (h *harness) settle(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.c.monitor.Tick(context.Background())
		st := h.c.Status()
		return h.countState(model.NodeRunning) == n && st.Live == n && !st.Converging
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFleetConvergesAndRecoversFailedNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(ctx))
	defer func() { _ = h.c.Shutdown(context.Background()) }()

	h.settle(t, 3)

	// 名称按 ordinal 分配
	names := make([]string, 0, 3)
	for _, n := range h.c.ListNodes() {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"EthosNet_Node_0", "EthosNet_Node_1", "EthosNet_Node_2"}, names)

	// 1. 让一个节点持续探测失败
	victim := h.c.ListNodes()[1]
	h.sim.SetHealthy(victim.Endpoint, false)
	for i := 0; i < 3; i++ {
		h.c.monitor.Tick(ctx)
	}
	n, err := h.c.GetNode(victim.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeDegraded, n.State)

	for i := 0; i < 2; i++ {
		h.c.monitor.Tick(ctx)
	}

	// 2. 替代节点沿用同一个名字，旧节点被删除
	h.settle(t, 3)
	_, err = h.c.GetNode(victim.ID)
	require.ErrorIs(t, err, model.ErrNotFound)

	var replaced bool
	for _, n := range h.c.ListNodes() {
		if n.Name == victim.Name {
			replaced = true
			assert.NotEqual(t, victim.ID, n.ID)
			assert.NotEqual(t, victim.Endpoint, n.Endpoint)
		}
	}
	require.True(t, replaced)
	require.Len(t, h.sim.Endpoints(), 3)
}

func TestScaleDownThroughController(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(ctx))
	defer func() { _ = h.c.Shutdown(context.Background()) }()
	h.settle(t, 3)

	require.NoError(t, h.c.ScaleTo(1))
	h.settle(t, 1)
	require.Len(t, h.sim.Endpoints(), 1)

	require.Error(t, h.c.ScaleTo(-1))
	require.Equal(t, 1, h.c.Status().Target)
}

func TestPersistedTargetWinsAndWatchRescales(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, testConfig())
	require.NoError(t, h.st.SaveTarget(ctx, 2))

	require.NoError(t, h.c.Start(ctx))
	defer func() { _ = h.c.Shutdown(context.Background()) }()
	h.settle(t, 2)

	// 运维直接改 store 里的 target
	require.NoError(t, h.st.SaveTarget(ctx, 4))
	require.Eventually(t, func() bool { return h.c.Status().Target == 4 }, 5*time.Second, 10*time.Millisecond)
	h.settle(t, 4)

	// 本地修改写回 store 并发布事件
	require.NoError(t, h.c.ScaleTo(1))
	require.Eventually(t, func() bool {
		got, ok, err := h.st.GetTarget(ctx)
		return err == nil && ok && got == 1 && h.c.Status().Target == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, h.pub.Targets(), 1)
}

func TestMirrorAndMigrationRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(ctx))
	defer func() { _ = h.c.Shutdown(context.Background()) }()
	h.settle(t, 3)

	require.Eventually(t, func() bool {
		nodes, err := h.st.ListNodes(ctx)
		if err != nil || len(nodes) != 3 {
			return false
		}
		for _, n := range nodes {
			if n.State != model.NodeRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	// 负载 10 / 10 / 100：最后一个节点过载
	nodes := h.c.ListNodes()
	for i, load := range []float64{10, 10, 100} {
		h.sim.SetLoad(nodes[i].Endpoint, load)
	}
	h.c.monitor.Tick(ctx)

	issued := h.c.balancer.Tick(ctx)
	require.Len(t, issued, 1)
	require.Equal(t, nodes[2].ID, issued[0].SourceID)
	require.NoError(t, h.c.balancer.Wait(ctx))

	migs, err := h.st.ListMigrations(ctx)
	require.NoError(t, err)
	require.Len(t, migs, 1)
	require.Equal(t, model.MigrationSucceeded, migs[0].Status.State)
	require.Len(t, h.c.Migrations(), 1)

	h.pub.mu.Lock()
	published := len(h.pub.migrations)
	registered := 0
	for _, c := range h.pub.changes {
		if c.Kind == model.ChangeRegistered {
			registered++
		}
	}
	h.pub.mu.Unlock()
	require.Equal(t, 2, published) // Pending + Succeeded
	require.Equal(t, 3, registered)

	// 缩容后镜像里的节点也被删除
	require.NoError(t, h.c.ScaleTo(2))
	h.settle(t, 2)
	require.Eventually(t, func() bool {
		nodes, err := h.st.ListNodes(ctx)
		return err == nil && len(nodes) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsFleetWhenConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Fleet.DrainOnShutdown = true

	h := newHarness(t, cfg)
	require.NoError(t, h.c.Start(context.Background()))
	h.settle(t, 3)

	require.NoError(t, h.c.Shutdown(context.Background()))
	require.Empty(t, h.sim.Endpoints())
	require.Empty(t, h.c.ListNodes())
	require.True(t, h.pub.closed)

	nodes, err := h.st.ListNodes(context.Background())
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestShutdownKeepsFleetByDefault(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(context.Background()))
	h.settle(t, 3)

	require.NoError(t, h.c.Shutdown(context.Background()))
	require.Len(t, h.sim.Endpoints(), 3)
}

func TestConsoleCommands(t *testing.T) {
	h := newHarness(t, testConfig())

	var out bytes.Buffer
	in := strings.NewReader("status\nscale 4\nscale x\nscale\nbogus\nquit\nscale 9\n")
	require.NoError(t, h.c.RunConsole(context.Background(), in, &out))

	text := out.String()
	assert.Contains(t, text, "target=0 live=0")
	assert.Contains(t, text, "scaling fleet to 4 nodes")
	assert.Contains(t, text, `invalid node count "x"`)
	assert.Contains(t, text, "usage: scale <n>")
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.NotContains(t, text, "scaling fleet to 9")
	assert.Equal(t, 4, h.c.Status().Target)
}

func TestConsoleStopsAtEOF(t *testing.T) {
	h := newHarness(t, testConfig())
	var out bytes.Buffer
	require.NoError(t, h.c.RunConsole(context.Background(), strings.NewReader("scale -2\n"), &out))
	assert.Contains(t, out.String(), "error: invalid fleet target -2")
}

func TestRestartAdoptsExistingFleet(t *testing.T) {
	ctx := context.Background()

	first := newHarness(t, testConfig())
	require.NoError(t, first.c.Start(ctx))
	first.settle(t, 3)
	before := make(map[string]string)
	for _, n := range first.c.ListNodes() {
		before[n.ID] = n.Endpoint
	}
	require.NoError(t, first.c.Shutdown(ctx))
	require.Len(t, first.sim.Endpoints(), 3)

	// 同一个 runtime 和 store 上再起一个控制器
	second := newHarnessOn(t, testConfig(), first.sim, first.st)
	require.NoError(t, second.c.Start(ctx))
	defer func() { _ = second.c.Shutdown(context.Background()) }()
	second.settle(t, 3)

	require.Len(t, second.sim.Endpoints(), 3)
	after := make(map[string]string)
	for _, n := range second.c.ListNodes() {
		after[n.ID] = n.Endpoint
	}
	require.Equal(t, before, after)

	nodes, err := second.st.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
}

func TestRestartReapsUnknownInstancesAndStaleSnapshots(t *testing.T) {
	ctx := context.Background()
	sim := runtime.NewSimAdapter()
	st := store.NewMemory()

	stray, err := sim.Provision(ctx, model.NodeConfig{Name: "stray"})
	require.NoError(t, err)
	kept, err := sim.Provision(ctx, model.NodeConfig{Ordinal: 1, Name: "EthosNet_Node_1"})
	require.NoError(t, err)
	dup, err := sim.Provision(ctx, model.NodeConfig{Ordinal: 1, Name: "EthosNet_Node_1"})
	require.NoError(t, err)
	stopping, err := sim.Provision(ctx, model.NodeConfig{Ordinal: 0, Name: "EthosNet_Node_0"})
	require.NoError(t, err)

	require.NoError(t, st.SaveNode(ctx, model.Node{
		ID: "node-stopping", State: model.NodeStopping, Endpoint: stopping,
		Config: model.NodeConfig{Ordinal: 0, Name: "EthosNet_Node_0"},
	}))
	require.NoError(t, st.SaveNode(ctx, model.Node{
		ID: "node-gone", State: model.NodeRunning, Endpoint: "sim://gone",
		Config: model.NodeConfig{Ordinal: 2, Name: "EthosNet_Node_2"},
	}))
	require.NoError(t, st.SaveTarget(ctx, 2))

	h := newHarnessOn(t, testConfig(), sim, st)
	require.NoError(t, h.c.Start(ctx))
	defer func() { _ = h.c.Shutdown(context.Background()) }()
	h.settle(t, 2)

	// 接管一个同名实例，其余终止，差额补一个新节点
	endpoints := sim.Endpoints()
	require.Len(t, endpoints, 2)
	require.Contains(t, endpoints, kept)
	require.NotContains(t, endpoints, stray)
	require.NotContains(t, endpoints, dup)
	require.NotContains(t, endpoints, stopping)

	names := make([]string, 0, 2)
	for _, n := range h.c.ListNodes() {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"EthosNet_Node_0", "EthosNet_Node_1"}, names)

	require.Eventually(t, func() bool {
		nodes, err := st.ListNodes(ctx)
		if err != nil || len(nodes) != 2 {
			return false
		}
		for _, n := range nodes {
			if n.ID == "node-stopping" || n.ID == "node-gone" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestShutdownWhileNodeDegradingStartsNoReplacement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(ctx))
	h.settle(t, 3)

	victim := h.c.ListNodes()[0]
	h.sim.SetHealthy(victim.Endpoint, false)
	for i := 0; i < 3; i++ {
		h.c.monitor.Tick(ctx)
	}
	n, err := h.c.GetNode(victim.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeDegraded, n.State)

	// 控制类循环已停，Monitor 还在跑：到达恢复阈值也不能再 provision
	h.c.haltControl()
	for i := 0; i < 2; i++ {
		h.c.monitor.Tick(ctx)
	}
	require.Len(t, h.c.ListNodes(), 3)
	n, err = h.c.GetNode(victim.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeDegraded, n.State)
	require.Len(t, h.sim.Endpoints(), 3)

	require.NoError(t, h.c.Shutdown(ctx))
	require.Len(t, h.sim.Endpoints(), 3)
}

func TestScaleAfterShutdownIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	require.NoError(t, h.c.Start(ctx))
	h.settle(t, 3)
	require.NoError(t, h.c.Shutdown(ctx))

	require.ErrorIs(t, h.c.ScaleTo(5), model.ErrShuttingDown)

	var out bytes.Buffer
	require.NoError(t, h.c.RunConsole(ctx, strings.NewReader("scale 6\n"), &out))
	assert.Contains(t, out.String(), "shutting down")
	assert.NotContains(t, out.String(), "scaling fleet to 6")

	target, ok, err := h.st.GetTarget(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, target)
	require.Equal(t, 3, h.c.Status().Target)
	require.NotContains(t, h.pub.Targets(), 5)
	require.NotContains(t, h.pub.Targets(), 6)
}
