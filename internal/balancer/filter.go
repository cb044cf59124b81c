package balancer

import "ethosfleet/pkg/model"

// filterNodes 返回可以参与负载比较的节点
func filterNodes(nodes []model.Node) []model.Node {
	candidates := make([]model.Node, 0, len(nodes))
	for _, node := range nodes {
		if checkNode(node) {
			candidates = append(candidates, node)
		}
	}
	return candidates
}

// checkNode 只看 Running 且最近一次探测健康的节点。
// 负载值来自 monitor 写入的 LastHealth，失败探测的负载不可信
func checkNode(node model.Node) bool {
	if node.State != model.NodeRunning {
		return false
	}
	return node.LastHealth.Healthy()
}
