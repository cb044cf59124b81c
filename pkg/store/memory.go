package store

import (
	"context"
	"sort"
	"sync"

	"ethosfleet/pkg/model"
)

// Memory 进程内 Store，用于测试和不接 etcd 的演练
type Memory struct {
	mu         sync.Mutex
	nodes      map[string]model.Node
	migrations map[string]model.Migration
	target     *int
	watchers   []chan int
}

func NewMemory() *Memory {
	return &Memory{
		nodes:      make(map[string]model.Node),
		migrations: make(map[string]model.Migration),
	}
}

func (m *Memory) SaveNode(_ context.Context, node model.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.ID] = node
	return nil
}

func (m *Memory) DeleteNode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, id)
	return nil
}

func (m *Memory) ListNodes(_ context.Context) ([]model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveTarget 和 etcd 一样，每次写入都会通知 watcher (包括写入相同值)
func (m *Memory) SaveTarget(_ context.Context, target int) error {
	m.mu.Lock()
	m.target = &target
	watchers := append([]chan int(nil), m.watchers...)
	m.mu.Unlock()

	for _, w := range watchers {
		select {
		case w <- target:
		default:
		}
	}
	return nil
}

func (m *Memory) GetTarget(_ context.Context) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.target == nil {
		return 0, false, nil
	}
	return *m.target, true, nil
}

func (m *Memory) WatchTarget(ctx context.Context) <-chan int {
	in := make(chan int, 16)
	m.mu.Lock()
	m.watchers = append(m.watchers, in)
	m.mu.Unlock()

	out := make(chan int)
	go func() {
		defer close(out)
		defer m.unwatch(in)
		for {
			select {
			case t := <-in:
				select {
				case out <- t:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (m *Memory) unwatch(ch chan int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.watchers {
		if w == ch {
			m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
			return
		}
	}
}

func (m *Memory) SaveMigration(_ context.Context, mig model.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations[mig.ID] = mig
	return nil
}

func (m *Memory) ListMigrations(_ context.Context) ([]model.Migration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Migration, 0, len(m.migrations))
	for _, mig := range m.migrations {
		out = append(out, mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.IssuedAt.Before(out[j].Status.IssuedAt) })
	return out, nil
}

func (m *Memory) Close() error { return nil }
