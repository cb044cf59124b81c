package scaler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"ethosfleet/pkg/model"
)

const namePrefix = "EthosNet_Node_"

// Template 根据序号生成节点配置
type Template func(ordinal int) model.NodeConfig

// NodeTemplate 在基础配置文档上定制 node_name / port
func NodeTemplate(base map[string]interface{}, basePort int, capacity model.Resource) Template {
	return func(ordinal int) model.NodeConfig {
		params := map[string]interface{}{}
		if base != nil {
			params = model.NodeConfig{Params: base}.Clone().Params
		}
		name := fmt.Sprintf("%s%d", namePrefix, ordinal)
		params["node_name"] = name
		params["port"] = basePort + ordinal

		return model.NodeConfig{
			Ordinal:  ordinal,
			Name:     name,
			Port:     basePort + ordinal,
			Capacity: capacity,
			Params:   params,
		}
	}
}

// ParseOrdinal 从 NodeTemplate 生成的名字里取回序号，其它名字返回 false
func ParseOrdinal(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, namePrefix)
	if !ok {
		return 0, false
	}
	ordinal, err := strconv.Atoi(rest)
	if err != nil || ordinal < 0 || strconv.Itoa(ordinal) != rest {
		return 0, false
	}
	return ordinal, true
}

// pickVictims 选出缩容时要移除的 k 个节点：
// Running / Degraded 按负载升序 (同负载时序号大的先走)，不够再取 Initializing，新的先走
func pickVictims(nodes []model.Node, k int) []model.Node {
	var active, initializing []model.Node
	for _, n := range nodes {
		switch n.State {
		case model.NodeRunning, model.NodeDegraded:
			active = append(active, n)
		case model.NodeInitializing:
			initializing = append(initializing, n)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if a.LastHealth.Load != b.LastHealth.Load {
			return a.LastHealth.Load < b.LastHealth.Load
		}
		return a.Config.Ordinal > b.Config.Ordinal
	})
	sort.SliceStable(initializing, func(i, j int) bool {
		return initializing[i].CreatedAt.After(initializing[j].CreatedAt)
	})

	victims := append(active, initializing...)
	if len(victims) > k {
		victims = victims[:k]
	}
	return victims
}
