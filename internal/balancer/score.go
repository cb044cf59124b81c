package balancer

import "ethosfleet/pkg/model"

// Directive 一条迁移指令：把 Source 的负载挪一部分到 Target
type Directive struct {
	Source model.Node
	Target model.Node
	Mean   float64
}

// Plan 计算本轮的迁移指令，纯函数。
// 负载超过 mean*factor 的节点视为过载，目标是负载最低的节点 (不会是过载节点自己)
func Plan(nodes []model.Node, factor float64) []Directive {
	candidates := filterNodes(nodes)
	if len(candidates) < 2 {
		return nil
	}

	// Step 1: 平均负载
	var sum float64
	for _, n := range candidates {
		sum += n.LastHealth.Load
	}
	mean := sum / float64(len(candidates))

	// Step 2: 最低负载节点，同负载取列表里靠前的 (序号小)
	target := lightest(candidates)

	// Step 3: 标记过载节点
	threshold := mean * factor
	var out []Directive
	for _, n := range candidates {
		if n.LastHealth.Load <= threshold || n.ID == target.ID {
			continue
		}
		out = append(out, Directive{Source: n, Target: target, Mean: mean})
	}
	return out
}

func lightest(nodes []model.Node) model.Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.LastHealth.Load < best.LastHealth.Load {
			best = n
		}
	}
	return best
}
