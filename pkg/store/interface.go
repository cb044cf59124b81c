package store

import (
	"context"

	"ethosfleet/pkg/model"
)

// Store 外部快照存储：节点表镜像、期望规模、迁移记录
// 控制器的权威状态始终在内存 Registry 里，这里只是给运维工具看的副本，
// 以及跨重启保留 target 的地方
type Store interface {
	// --- Node 快照 ---

	// SaveNode 写入 (覆盖) 一个节点快照
	SaveNode(ctx context.Context, node model.Node) error

	// DeleteNode 删除节点快照，不存在时不报错
	DeleteNode(ctx context.Context, id string) error

	// ListNodes 读取全部节点快照 (fleetctl --etcd 使用)
	ListNodes(ctx context.Context) ([]model.Node, error)

	// --- Target ---

	SaveTarget(ctx context.Context, target int) error

	// GetTarget 返回持久化的 target，ok 为 false 表示从未写过
	GetTarget(ctx context.Context) (target int, ok bool, err error)

	// WatchTarget 监听 target 变化 (返回一个只读通道)，ctx 取消后通道关闭
	WatchTarget(ctx context.Context) <-chan int

	// --- Migration 记录 ---

	SaveMigration(ctx context.Context, m model.Migration) error
	ListMigrations(ctx context.Context) ([]model.Migration, error)

	Close() error
}
