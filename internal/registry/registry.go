package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ethosfleet/pkg/model"
)

// Observer 在每次变更生效后被调用，按 Seq 顺序逐个送达。
// 不能阻塞，也不能在回调里调用 Registry 的写操作
type Observer func(model.NodeChange)

// Registry 是所有节点的内存表，也是控制器唯一的可变共享状态
// 其它组件只能通过这里的原子操作读写节点
type Registry struct {
	// wmu 串行化会产生通知的写操作 (持有到通知送达)，保证观察者看到的顺序和生效顺序一致
	wmu sync.Mutex
	seq uint64

	mu        sync.RWMutex
	nodes     map[string]*model.Node
	endpoints map[string]string // endpoint -> node id
	observers []Observer
	now       func() time.Time
}

// New 构造函数
func New() *Registry {
	return &Registry{
		nodes:     make(map[string]*model.Node),
		endpoints: make(map[string]string),
		now:       time.Now,
	}
}

// Subscribe 注册观察者，需在各循环启动前调用
func (r *Registry) Subscribe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register 以 Initializing 状态登记一个新节点，返回全局唯一 (永不复用) 的 id
func (r *Registry) Register(cfg model.NodeConfig) string {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	now := r.now()
	node := &model.Node{
		ID:        "node-" + uuid.NewString(),
		State:     model.NodeInitializing,
		Config:    cfg.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.nodes[node.ID] = node
	snapshot := copyNode(node)
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, model.NodeChange{Kind: model.ChangeRegistered, Node: snapshot, From: model.NodeInitializing, At: now})
	return node.ID
}

// Adopt 接管一个 runtime 里已经存在的节点 (控制器重启后)：
// 以 Initializing 状态登记并直接绑定 endpoint，等第一次成功探测后进入 Running。
// id 为空时分配新 id；id 或 endpoint 已被占用时返回错误，Registry 不变
func (r *Registry) Adopt(id string, cfg model.NodeConfig, endpoint string) (model.Node, error) {
	if endpoint == "" {
		return model.Node{}, model.Errorf(model.ErrInvalidTransition, "adopt %s without endpoint", cfg.Name)
	}
	if id == "" {
		id = "node-" + uuid.NewString()
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	now := r.now()
	r.mu.Lock()
	if _, exists := r.nodes[id]; exists {
		r.mu.Unlock()
		return model.Node{}, model.Errorf(model.ErrInvalidTransition, "adopt %s: id already registered", id)
	}
	if owner, taken := r.endpoints[endpoint]; taken {
		r.mu.Unlock()
		return model.Node{}, model.Errorf(model.ErrEndpointInUse, "%s held by %s", endpoint, owner)
	}
	node := &model.Node{
		ID:        id,
		State:     model.NodeInitializing,
		Endpoint:  endpoint,
		Config:    cfg.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.nodes[id] = node
	r.endpoints[endpoint] = id
	snapshot := copyNode(node)
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, model.NodeChange{Kind: model.ChangeRegistered, Node: snapshot, From: model.NodeInitializing, At: now})
	return snapshot, nil
}

// Get 返回节点快照
func (r *Registry) Get(id string) (model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return model.Node{}, model.Errorf(model.ErrNotFound, "get %s", id)
	}
	return copyNode(node), nil
}

// List 返回所有节点快照，按 ordinal、id 排序
func (r *Registry) List() []model.Node {
	r.mu.RLock()
	out := make([]model.Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, copyNode(node))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Config.Ordinal != out[j].Config.Ordinal {
			return out[i].Config.Ordinal < out[j].Config.Ordinal
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transition 校验并应用一次状态迁移。非法迁移返回 ErrInvalidTransition，状态不变
func (r *Registry) Transition(id string, event model.NodeEvent) (model.Node, error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return model.Node{}, model.Errorf(model.ErrNotFound, "transition %s", id)
	}
	from := node.State
	to, err := model.Next(from, event)
	if err != nil {
		r.mu.Unlock()
		return copyNode(node), model.Errorf(err, "node %s", id)
	}
	node.State = to
	node.UpdatedAt = r.now()
	snapshot := copyNode(node)
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, model.NodeChange{
		Kind:  model.ChangeTransitioned,
		Node:  snapshot,
		From:  from,
		Event: event,
		At:    snapshot.UpdatedAt,
	})
	return snapshot, nil
}

// SetEndpoint 绑定 runtime 地址：只允许在 Initializing 阶段设置一次，且地址不能被其它节点占用
func (r *Registry) SetEndpoint(id, endpoint string) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return model.Node{}, model.Errorf(model.ErrNotFound, "set endpoint %s", id)
	}
	if node.State != model.NodeInitializing || node.Endpoint != "" {
		return copyNode(node), model.Errorf(model.ErrInvalidTransition,
			"bind endpoint on %s node %s", node.State, id)
	}
	if owner, taken := r.endpoints[endpoint]; taken && owner != id {
		return copyNode(node), model.Errorf(model.ErrEndpointInUse, "%s held by %s", endpoint, owner)
	}
	node.Endpoint = endpoint
	node.UpdatedAt = r.now()
	r.endpoints[endpoint] = id
	return copyNode(node), nil
}

// RecordHealth 保存最近一次探测结果，不改变状态
func (r *Registry) RecordHealth(id string, h model.Health) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return model.Errorf(model.ErrNotFound, "record health %s", id)
	}
	node.LastHealth = h
	return nil
}

// Remove 删除一个已 Stopped 的节点。重复删除返回 ErrNotFound
func (r *Registry) Remove(id string) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	node, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return model.Errorf(model.ErrNotFound, "remove %s", id)
	}
	if node.State != model.NodeStopped {
		r.mu.Unlock()
		return model.Errorf(model.ErrInvalidTransition, "remove %s node %s", node.State, id)
	}
	delete(r.nodes, id)
	if node.Endpoint != "" && r.endpoints[node.Endpoint] == id {
		delete(r.endpoints, node.Endpoint)
	}
	snapshot := copyNode(node)
	observers := r.observers
	r.mu.Unlock()

	r.notify(observers, model.NodeChange{Kind: model.ChangeRemoved, Node: snapshot, From: model.NodeStopped, At: r.now()})
	return nil
}

// Count 按状态计数
func (r *Registry) Count() map[model.NodeState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[model.NodeState]int, 5)
	for _, node := range r.nodes {
		counts[node.State]++
	}
	return counts
}

func copyNode(n *model.Node) model.Node {
	out := *n
	out.Config = n.Config.Clone()
	return out
}

// notify 调用方持有 wmu
func (r *Registry) notify(observers []Observer, change model.NodeChange) {
	r.seq++
	change.Seq = r.seq
	for _, o := range observers {
		o(change)
	}
}
