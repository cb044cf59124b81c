package scaler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ethosfleet/internal/metrics"
	"ethosfleet/internal/registry"
	"ethosfleet/internal/runtime"
	"ethosfleet/pkg/model"
)

type countingRecorder struct {
	mu                sync.Mutex
	provisionFailures int
	recoveries        int
}

func (c *countingRecorder) ProbeFailed(string) {}
func (c *countingRecorder) RecoveryStarted(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoveries++
}
func (c *countingRecorder) ProvisionFailed(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provisionFailures++
}
func (c *countingRecorder) MigrationFinished(bool) {}

// gatedAdapter 让 Provision 阻塞到 release 被关闭
type gatedAdapter struct {
	*runtime.SimAdapter
	release chan struct{}
}

func (g *gatedAdapter) Provision(ctx context.Context, cfg model.NodeConfig) (string, error) {
	<-g.release
	return g.SimAdapter.Provision(ctx, cfg)
}

func newTestScaler(t *testing.T, rt runtime.Adapter, rec *countingRecorder) (*Scaler, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	var r metrics.Recorder
	if rec != nil {
		r = rec
	}
	s := New(reg, rt, NodeTemplate(nil, 8080, model.Resource{}), Config{
		ResyncInterval:   time.Hour,
		ProvisionTimeout: time.Second,
		TerminateTimeout: time.Second,
	}, r, zaptest.NewLogger(t).Sugar())
	return s, reg
}

func waitIdle(t *testing.T, s *Scaler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

// promote 模拟第一次探测成功
func promote(t *testing.T, reg *registry.Registry) {
	t.Helper()
	for _, n := range reg.List() {
		if n.State == model.NodeInitializing && n.Endpoint != "" {
			_, err := reg.Transition(n.ID, model.EventProbeSucceeded)
			require.NoError(t, err)
		}
	}
}

func liveCount(reg *registry.Registry) int {
	n := 0
	for _, node := range reg.List() {
		if node.State.Live() {
			n++
		}
	}
	return n
}

func TestScaleToSameTargetTwiceNeverDoubleProvisions(t *testing.T) {
	sim := runtime.NewSimAdapter()
	s, reg := newTestScaler(t, sim, nil)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(3))
	require.NoError(t, s.ScaleTo(3))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Converge(ctx)
		}()
	}
	wg.Wait()
	waitIdle(t, s)

	require.Equal(t, 3, liveCount(reg))
	require.Len(t, sim.Endpoints(), 3)

	names := map[string]bool{}
	for _, n := range reg.List() {
		require.NotEmpty(t, n.Endpoint)
		names[n.Config.Name] = true
	}
	require.Equal(t, map[string]bool{"EthosNet_Node_0": true, "EthosNet_Node_1": true, "EthosNet_Node_2": true}, names)
}

func TestScaleToRejectsNegativeTarget(t *testing.T) {
	s, _ := newTestScaler(t, runtime.NewSimAdapter(), nil)
	require.Error(t, s.ScaleTo(-1))
	require.Zero(t, s.Target())
}

func TestScaleDownRemovesLowestLoadFirst(t *testing.T) {
	sim := runtime.NewSimAdapter()
	s, reg := newTestScaler(t, sim, nil)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(3))
	s.Converge(ctx)
	waitIdle(t, s)
	promote(t, reg)

	loads := []float64{50, 10, 30}
	var lightest model.Node
	for i, n := range reg.List() {
		require.NoError(t, reg.RecordHealth(n.ID, model.Health{Status: model.StatusOK, Load: loads[i], CheckedAt: time.Now()}))
		if loads[i] == 10 {
			lightest = n
		}
	}

	require.NoError(t, s.ScaleTo(2))
	s.Converge(ctx)
	waitIdle(t, s)

	_, err := reg.Get(lightest.ID)
	require.True(t, errors.Is(err, model.ErrNotFound))
	require.NotContains(t, sim.Endpoints(), lightest.Endpoint)
	require.Equal(t, 2, liveCount(reg))
	require.Equal(t, Status{Target: 2, Live: 2}, s.Status())
}

func TestRecoverRegistersReplacementWithNewID(t *testing.T) {
	sim := runtime.NewSimAdapter()
	rec := &countingRecorder{}
	s, reg := newTestScaler(t, sim, rec)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(1))
	s.Converge(ctx)
	waitIdle(t, s)
	promote(t, reg)

	old := reg.List()[0]
	_, err := reg.Transition(old.ID, model.EventDegrade)
	require.NoError(t, err)

	require.NoError(t, s.Recover(ctx, old.ID))

	// 替代节点与旧节点在同一临界区内登记
	var replacement model.Node
	for _, n := range reg.List() {
		if n.ID != old.ID {
			replacement = n
		}
	}
	require.NotEmpty(t, replacement.ID)
	require.NotEqual(t, old.ID, replacement.ID)
	require.Equal(t, model.NodeInitializing, replacement.State)
	require.Equal(t, old.Config, replacement.Config)
	require.Equal(t, 1, liveCount(reg))

	waitIdle(t, s)

	_, err = reg.Get(old.ID)
	require.True(t, errors.Is(err, model.ErrNotFound))
	replacement, err = reg.Get(replacement.ID)
	require.NoError(t, err)
	require.NotEmpty(t, replacement.Endpoint)
	require.Equal(t, []string{replacement.Endpoint}, sim.Endpoints())
	require.Equal(t, 1, rec.recoveries)

	// 只能从 Degraded 恢复
	require.True(t, errors.Is(s.Recover(ctx, replacement.ID), model.ErrInvalidTransition))
}

func TestProvisionFailureAbortsNodeAndNextPassFillsDeficit(t *testing.T) {
	sim := runtime.NewSimAdapter()
	rec := &countingRecorder{}
	s, reg := newTestScaler(t, sim, rec)
	ctx := context.Background()

	sim.FailProvisions(1)
	require.NoError(t, s.ScaleTo(2))
	s.Converge(ctx)
	waitIdle(t, s)

	require.Len(t, reg.List(), 1, "failed node is aborted and removed")
	require.Equal(t, 1, rec.provisionFailures)

	s.Converge(ctx)
	waitIdle(t, s)
	require.Len(t, reg.List(), 2)
	require.Len(t, sim.Endpoints(), 2)
}

func TestFailedTerminateKeepsNodeStoppingUntilRetry(t *testing.T) {
	sim := runtime.NewSimAdapter()
	s, reg := newTestScaler(t, sim, nil)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(1))
	s.Converge(ctx)
	waitIdle(t, s)
	promote(t, reg)
	node := reg.List()[0]

	sim.SetTerminateError(node.Endpoint, errors.New("daemon unavailable"))
	require.NoError(t, s.ScaleTo(0))
	s.Converge(ctx)
	waitIdle(t, s)

	got, err := reg.Get(node.ID)
	require.NoError(t, err)
	require.Equal(t, model.NodeStopping, got.State)
	require.True(t, s.Status().Converging)

	sim.SetTerminateError(node.Endpoint, nil)
	s.Converge(ctx)
	waitIdle(t, s)

	require.Empty(t, reg.List())
	require.Empty(t, sim.Endpoints())
}

func TestScaleDownDuringProvisionReleasesRuntime(t *testing.T) {
	gate := &gatedAdapter{SimAdapter: runtime.NewSimAdapter(), release: make(chan struct{})}
	s, reg := newTestScaler(t, gate, nil)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(1))
	s.Converge(ctx)

	require.NoError(t, s.ScaleTo(0))
	s.Converge(ctx)

	nodes := reg.List()
	require.Len(t, nodes, 1)
	require.Equal(t, model.NodeStopping, nodes[0].State)

	close(gate.release)
	waitIdle(t, s)

	require.Empty(t, reg.List())
	require.Empty(t, gate.Endpoints(), "endpoint bound after abort must be terminated")
}

func TestRunConvergesOnScaleTo(t *testing.T) {
	sim := runtime.NewSimAdapter()
	s, reg := newTestScaler(t, sim, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.NoError(t, s.ScaleTo(2))
	require.Eventually(t, func() bool {
		return len(sim.Endpoints()) == 2 && liveCount(reg) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	waitIdle(t, s)
}

func TestPickVictims(t *testing.T) {
	now := time.Now()
	node := func(id string, st model.NodeState, ordinal int, load float64, created time.Time) model.Node {
		return model.Node{
			ID:         id,
			State:      st,
			Config:     model.NodeConfig{Ordinal: ordinal},
			LastHealth: model.Health{Load: load},
			CreatedAt:  created,
		}
	}
	nodes := []model.Node{
		node("a", model.NodeRunning, 0, 40, now),
		node("b", model.NodeDegraded, 1, 10, now),
		node("c", model.NodeRunning, 2, 10, now),
		node("d", model.NodeInitializing, 3, 0, now.Add(-time.Minute)),
		node("e", model.NodeInitializing, 4, 0, now),
		node("f", model.NodeStopping, 5, 0, now),
	}

	ids := func(ns []model.Node) []string {
		out := make([]string, 0, len(ns))
		for _, n := range ns {
			out = append(out, n.ID)
		}
		return out
	}

	t.Run("lowest load first, higher ordinal on ties", func(t *testing.T) {
		assert.Equal(t, []string{"c", "b"}, ids(pickVictims(nodes, 2)))
	})
	t.Run("initializing only when running nodes run out, newest first", func(t *testing.T) {
		assert.Equal(t, []string{"c", "b", "a", "e"}, ids(pickVictims(nodes, 4)))
	})
	t.Run("never more than live nodes", func(t *testing.T) {
		assert.Len(t, pickVictims(nodes, 10), 5)
	})
}

func TestNodeTemplateCustomizesBaseConfig(t *testing.T) {
	base := map[string]interface{}{"chat": "llama", "node_name": "base", "port": 1}
	tmpl := NodeTemplate(base, 8080, model.Resource{MilliCPU: 1000})

	cfg := tmpl(2)
	require.Equal(t, "EthosNet_Node_2", cfg.Name)
	require.Equal(t, 8082, cfg.Port)
	require.Equal(t, "EthosNet_Node_2", cfg.Params["node_name"])
	require.Equal(t, 8082, cfg.Params["port"])
	require.Equal(t, "llama", cfg.Params["chat"])
	require.Equal(t, int64(1000), cfg.Capacity.MilliCPU)

	require.Equal(t, "base", base["node_name"], "base document is not modified")

	ordinal, ok := ParseOrdinal(cfg.Name)
	require.True(t, ok)
	require.Equal(t, 2, ordinal)
	for _, name := range []string{"", "EthosNet_Node_", "EthosNet_Node_x", "EthosNet_Node_-1", "EthosNet_Node_01", "other_3"} {
		_, ok := ParseOrdinal(name)
		assert.False(t, ok, name)
	}
}

func TestClosedScalerRejectsNewWorkButCanDrain(t *testing.T) {
	sim := runtime.NewSimAdapter()
	s, reg := newTestScaler(t, sim, nil)
	ctx := context.Background()

	require.NoError(t, s.ScaleTo(1))
	s.Converge(ctx)
	waitIdle(t, s)
	promote(t, reg)
	id := reg.List()[0].ID
	_, err := reg.Transition(id, model.EventDegrade)
	require.NoError(t, err)

	s.Close()

	// 节点正在劣化时关闭：不再登记替代节点
	require.ErrorIs(t, s.Recover(ctx, id), model.ErrShuttingDown)
	require.ErrorIs(t, s.Retire(ctx, id, model.EventDrain), model.ErrShuttingDown)
	require.ErrorIs(t, s.ScaleTo(2), model.ErrShuttingDown)
	require.Equal(t, 1, s.Target())

	s.Converge(ctx)
	waitIdle(t, s)
	nodes := reg.List()
	require.Len(t, nodes, 1)
	require.Equal(t, model.NodeDegraded, nodes[0].State)
	require.Len(t, sim.Endpoints(), 1)

	s.Drain(ctx)
	waitIdle(t, s)
	require.Empty(t, reg.List())
	require.Empty(t, sim.Endpoints())
	require.Zero(t, s.Target())
}

func TestCloseCancelsProvisionsWaitingOnRateLimit(t *testing.T) {
	sim := runtime.NewSimAdapter()
	reg := registry.New()
	s := New(reg, sim, NodeTemplate(nil, 8080, model.Resource{}), Config{
		ResyncInterval:   time.Hour,
		ProvisionTimeout: time.Second,
		TerminateTimeout: time.Second,
		ProvisionRate:    0.001,
		ProvisionBurst:   1,
	}, nil, zaptest.NewLogger(t).Sugar())

	require.NoError(t, s.ScaleTo(3))
	s.Converge(context.Background())
	require.Eventually(t, func() bool { return len(sim.Endpoints()) == 1 }, 5*time.Second, 10*time.Millisecond)

	s.Close()
	waitIdle(t, s)

	// 只剩下已经拿到地址的那个节点，排队的两个被放弃
	nodes := reg.List()
	require.Len(t, nodes, 1)
	require.NotEmpty(t, nodes[0].Endpoint)
	require.Len(t, sim.Endpoints(), 1)
}
