package runtime

import (
	"context"

	"ethosfleet/pkg/model"
)

// Adapter 是控制器和具体执行环境 (Docker、模拟器……) 之间的唯一边界
// 所有方法都必须遵守 ctx 的超时，超时等同于失败
type Adapter interface {
	// Provision 启动一个节点，返回可探测的地址
	Provision(ctx context.Context, cfg model.NodeConfig) (string, error)

	// Probe 查询节点健康状态和负载
	Probe(ctx context.Context, endpoint string) (model.ProbeResult, error)

	// Migrate 把 source 的部分负载转移到 target，具体机制由实现决定 (可以是 no-op)
	Migrate(ctx context.Context, sourceEndpoint, targetEndpoint string) error

	// Terminate 停止节点并释放资源。对未知地址应返回 nil (幂等)
	Terminate(ctx context.Context, endpoint string) error
}

// Closer 可选接口：持有连接的实现在控制器退出时关闭
type Closer interface {
	Close() error
}

// Instance 是 runtime 里仍占用资源的一个受管节点
type Instance struct {
	Endpoint string
	Name     string // 节点名 (例如 EthosNet_Node_0)
}

// Inventory 可选接口：列出 runtime 里的受管节点。
// 控制器启动时用它接管上一次运行留下的节点，或回收无法接管的节点
type Inventory interface {
	Instances(ctx context.Context) ([]Instance, error)
}
