package model

// NodeEvent 驱动状态迁移的事件
type NodeEvent string

const (
	EventProbeSucceeded NodeEvent = "probe_succeeded"
	EventDegrade        NodeEvent = "degrade"
	EventRecover        NodeEvent = "recover"
	EventAbort          NodeEvent = "abort" // provision 超时 / 失败 / 缩容时放弃初始化中的节点
	EventDrain          NodeEvent = "drain" // 缩容
	EventTerminated     NodeEvent = "terminated"
)

type edge struct {
	from  NodeState
	event NodeEvent
}

// 合法迁移表，不在表里的组合一律 ErrInvalidTransition
var transitions = map[edge]NodeState{
	{NodeInitializing, EventProbeSucceeded}: NodeRunning,
	{NodeInitializing, EventAbort}:          NodeStopping,
	{NodeRunning, EventDegrade}:             NodeDegraded,
	{NodeRunning, EventDrain}:               NodeStopping,
	{NodeDegraded, EventProbeSucceeded}:     NodeRunning,
	{NodeDegraded, EventRecover}:            NodeStopping,
	{NodeDegraded, EventDrain}:              NodeStopping,
	{NodeStopping, EventTerminated}:         NodeStopped,
}

// Next 返回 event 作用于 from 之后的状态
func Next(from NodeState, event NodeEvent) (NodeState, error) {
	to, ok := transitions[edge{from, event}]
	if !ok {
		return from, Errorf(ErrInvalidTransition, "%s on %s", event, from)
	}
	return to, nil
}
