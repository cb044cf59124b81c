package model

import (
	"time"

	"github.com/pkg/errors"
)

// NodeState 节点生命周期状态
type NodeState int

const (
	NodeInitializing NodeState = iota // 正在 provision，尚未通过第一次探测
	NodeRunning                       // 探测正常
	NodeDegraded                      // 连续探测失败，但仍在探测
	NodeStopping                      // 恢复或缩容中，正在释放 runtime 资源
	NodeStopped                       // 终态：runtime 已确认停止
)

func (s NodeState) String() string {
	switch s {
	case NodeInitializing:
		return "Initializing"
	case NodeRunning:
		return "Running"
	case NodeDegraded:
		return "Degraded"
	case NodeStopping:
		return "Stopping"
	case NodeStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText 让 JSON / etcd 快照里看到的是状态名而不是数字
func (s NodeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeState) UnmarshalText(b []byte) error {
	for _, st := range AllNodeStates() {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown node state %q", string(b))
}

// Live 表示节点仍占用 fleet 名额 (参与 target 计数)
func (s NodeState) Live() bool {
	return s == NodeInitializing || s == NodeRunning || s == NodeDegraded
}

func AllNodeStates() []NodeState {
	return []NodeState{NodeInitializing, NodeRunning, NodeDegraded, NodeStopping, NodeStopped}
}

// Health 最近一次探测结果
type Health struct {
	Status    string    `json:"status"`
	Load      float64   `json:"load"`
	CheckedAt time.Time `json:"checked_at"`
	Err       string    `json:"error,omitempty"`
}

// Healthy 探测成功且节点自报 ok
func (h Health) Healthy() bool {
	return !h.CheckedAt.IsZero() && h.Err == "" && h.Status == StatusOK
}

// StatusOK 节点 /health 返回的健康状态值
const StatusOK = "ok"

// ProbeResult 是 runtime 探测一次返回的原始数据
type ProbeResult struct {
	Status string  `json:"status"`
	Load   float64 `json:"load"`
}

// NodeConfig 是 provision 时使用的参数快照，节点生命周期内不可变
type NodeConfig struct {
	Ordinal  int                    `json:"ordinal"`
	Name     string                 `json:"name"` // 例如 EthosNet_Node_0
	Port     int                    `json:"port"` // base_port + ordinal
	Capacity Resource               `json:"capacity"`
	Params   map[string]interface{} `json:"params,omitempty"` // 定制后的节点配置文档
}

// Clone 深拷贝 Params，保证快照不被外部修改
func (c NodeConfig) Clone() NodeConfig {
	out := c
	if c.Params != nil {
		out.Params = cloneMap(c.Params)
	}
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = cloneMap(m)
			continue
		}
		out[k] = v
	}
	return out
}

// Node 是 Registry 对外发放的节点快照 (值拷贝)
type Node struct {
	ID         string     `json:"id"`
	State      NodeState  `json:"state"`
	Endpoint   string     `json:"endpoint,omitempty"` // runtime 绑定地址，只设置一次
	LastHealth Health     `json:"last_health"`
	Config     NodeConfig `json:"config"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NodeStatus 管理面 (CLI / API) 看到的只读视图
type NodeStatus struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      NodeState `json:"state"`
	Endpoint   string    `json:"endpoint,omitempty"`
	LastHealth Health    `json:"last_health"`
}

func (n Node) Status() NodeStatus {
	return NodeStatus{
		ID:         n.ID,
		Name:       n.Config.Name,
		State:      n.State,
		Endpoint:   n.Endpoint,
		LastHealth: n.LastHealth,
	}
}

// ChangeKind Registry 变更类型
type ChangeKind string

const (
	ChangeRegistered   ChangeKind = "registered"
	ChangeTransitioned ChangeKind = "transitioned"
	ChangeRemoved      ChangeKind = "removed"
)

// NodeChange 每次 Registry 变更后推送给观察者
type NodeChange struct {
	Seq   uint64     `json:"seq"` // 从 1 开始严格递增，和变更生效顺序一致
	Kind  ChangeKind `json:"kind"`
	Node  Node       `json:"node"`
	From  NodeState  `json:"from"`
	Event NodeEvent  `json:"event,omitempty"`
	At    time.Time  `json:"at"`
}
