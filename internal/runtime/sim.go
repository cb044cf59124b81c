package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ethosfleet/pkg/model"
)

// SimAdapter 进程内模拟的 runtime，用于本地演练 (--runtime=sim) 和测试
// 可以注入 provision 失败、探测失败、负载值
type SimAdapter struct {
	mu         sync.Mutex
	seq        int
	nodes      map[string]*simNode
	failNext   int // 接下来 N 次 provision 失败
	migrateFn  func(source, target string) error
	migrations []SimMigration
}

type simNode struct {
	cfg       model.NodeConfig
	healthy   bool
	load      float64
	hang      bool // 探测时一直阻塞直到 ctx 超时
	terminate error
}

// SimMigration 记录收到的迁移指令
type SimMigration struct {
	Source string
	Target string
}

func NewSimAdapter() *SimAdapter {
	return &SimAdapter{nodes: make(map[string]*simNode)}
}

func (s *SimAdapter) Provision(ctx context.Context, cfg model.NodeConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return "", model.Errorf(model.ErrProvision, "simulated failure for %s", cfg.Name)
	}
	s.seq++
	endpoint := fmt.Sprintf("sim://%s-%d", cfg.Name, s.seq)
	s.nodes[endpoint] = &simNode{cfg: cfg, healthy: true}
	return endpoint, nil
}

func (s *SimAdapter) Probe(ctx context.Context, endpoint string) (model.ProbeResult, error) {
	s.mu.Lock()
	node, ok := s.nodes[endpoint]
	var hang bool
	var res model.ProbeResult
	if ok {
		hang = node.hang
		res = model.ProbeResult{Status: "error", Load: node.load}
		if node.healthy {
			res.Status = model.StatusOK
		}
	}
	s.mu.Unlock()

	if !ok {
		return model.ProbeResult{}, model.Errorf(model.ErrProbe, "no such endpoint %s", endpoint)
	}
	if hang {
		<-ctx.Done()
		return model.ProbeResult{}, ctx.Err()
	}
	return res, nil
}

func (s *SimAdapter) Migrate(ctx context.Context, source, target string) error {
	s.mu.Lock()
	s.migrations = append(s.migrations, SimMigration{Source: source, Target: target})
	fn := s.migrateFn
	s.mu.Unlock()

	if fn != nil {
		return fn(source, target)
	}
	return nil
}

func (s *SimAdapter) Terminate(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[endpoint]
	if !ok {
		return nil
	}
	if node.terminate != nil {
		return node.terminate
	}
	delete(s.nodes, endpoint)
	return nil
}

// --- 故障注入 ---

// FailProvisions 让接下来 n 次 Provision 失败
func (s *SimAdapter) FailProvisions(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *SimAdapter) SetHealthy(endpoint string, healthy bool) {
	s.withNode(endpoint, func(n *simNode) { n.healthy = healthy })
}

func (s *SimAdapter) SetLoad(endpoint string, load float64) {
	s.withNode(endpoint, func(n *simNode) { n.load = load })
}

// SetHang 让探测阻塞到超时
func (s *SimAdapter) SetHang(endpoint string, hang bool) {
	s.withNode(endpoint, func(n *simNode) { n.hang = hang })
}

func (s *SimAdapter) SetTerminateError(endpoint string, err error) {
	s.withNode(endpoint, func(n *simNode) { n.terminate = err })
}

func (s *SimAdapter) SetMigrateFunc(fn func(source, target string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrateFn = fn
}

// Endpoints 当前存活的模拟节点
func (s *SimAdapter) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.nodes))
	for ep := range s.nodes {
		out = append(out, ep)
	}
	return out
}

// Instances 当前所有模拟节点，按 endpoint 排序
func (s *SimAdapter) Instances(ctx context.Context) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Instance, 0, len(s.nodes))
	for ep, n := range s.nodes {
		out = append(out, Instance{Endpoint: ep, Name: n.cfg.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out, nil
}

// MigrationLog 收到的迁移指令副本
func (s *SimAdapter) MigrationLog() []SimMigration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SimMigration, len(s.migrations))
	copy(out, s.migrations)
	return out
}

func (s *SimAdapter) withNode(endpoint string, fn func(*simNode)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[endpoint]; ok {
		fn(n)
	}
}
