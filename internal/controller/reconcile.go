package controller

import (
	"context"
	"sort"

	"ethosfleet/internal/runtime"
	"ethosfleet/internal/scaler"
	"ethosfleet/pkg/model"
)

// reconcile 在设置初始 target 之前接管上一个进程留下的节点。
// store 快照里存活且 runtime 里还在的节点沿用原 id 接管；
// 名字能解析出空闲序号的实例按模板接管，其余实例和 Stopping 快照直接终止。
// 没有接管的快照从 store 删除
func (c *Controller) reconcile(ctx context.Context) {
	// 1. runtime 里的实例，adapter 不支持列举时只信快照
	var instances map[string]string
	var order []string
	if inv, ok := c.rt.(runtime.Inventory); ok {
		ictx, cancel := context.WithTimeout(ctx, storeTimeout)
		list, err := inv.Instances(ictx)
		cancel()
		if err != nil {
			c.log.Warnw("list runtime instances", "error", err)
		} else {
			instances = make(map[string]string, len(list))
			for _, in := range list {
				instances[in.Endpoint] = in.Name
				order = append(order, in.Endpoint)
			}
		}
	}

	// 2. store 快照
	var snapshots []model.Node
	if c.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		nodes, err := c.store.ListNodes(sctx)
		cancel()
		if err != nil {
			c.log.Warnw("read node snapshots", "error", err)
		}
		snapshots = nodes
	}
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Config.Ordinal < snapshots[j].Config.Ordinal
	})

	used := make(map[int]bool)
	claimed := make(map[string]bool)
	kept := make(map[string]bool)
	var adopted, reaped int

	// 3. 按快照接管
	for _, snap := range snapshots {
		if snap.Endpoint == "" || claimed[snap.Endpoint] {
			continue
		}
		if instances != nil {
			if _, ok := instances[snap.Endpoint]; !ok {
				continue
			}
		}
		claimed[snap.Endpoint] = true
		if !snap.State.Live() || used[snap.Config.Ordinal] {
			c.reap(ctx, snap.Endpoint, snap.Config.Name)
			reaped++
			continue
		}
		if _, err := c.reg.Adopt(snap.ID, snap.Config, snap.Endpoint); err != nil {
			c.log.Warnw("adopt node", "node_id", snap.ID, "endpoint", snap.Endpoint, "error", err)
			continue
		}
		used[snap.Config.Ordinal] = true
		kept[snap.ID] = true
		adopted++
	}

	// 4. 快照里没有的实例
	for _, endpoint := range order {
		if claimed[endpoint] {
			continue
		}
		name := instances[endpoint]
		ordinal, ok := scaler.ParseOrdinal(name)
		if !ok || used[ordinal] {
			c.reap(ctx, endpoint, name)
			reaped++
			continue
		}
		node, err := c.reg.Adopt("", c.tmpl(ordinal), endpoint)
		if err != nil {
			c.log.Warnw("adopt instance", "endpoint", endpoint, "error", err)
			continue
		}
		used[ordinal] = true
		kept[node.ID] = true
		adopted++
	}

	// 5. 清理过期快照
	for _, snap := range snapshots {
		if kept[snap.ID] {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := c.store.DeleteNode(sctx, snap.ID)
		cancel()
		if err != nil {
			c.log.Warnw("delete stale snapshot", "node_id", snap.ID, "error", err)
		}
	}

	if adopted > 0 || reaped > 0 || len(snapshots) > 0 {
		c.log.Infow("reconciled existing fleet", "adopted", adopted, "reaped", reaped, "snapshots", len(snapshots))
	}
}

// reap 终止一个不再接管的实例
func (c *Controller) reap(ctx context.Context, endpoint, name string) {
	tctx, cancel := context.WithTimeout(ctx, c.cfg.Fleet.TerminateTimeout)
	defer cancel()
	if err := c.rt.Terminate(tctx, endpoint); err != nil {
		c.log.Warnw("terminate orphaned instance", "endpoint", endpoint, "name", name, "error", err)
		return
	}
	c.log.Infow("terminated orphaned instance", "endpoint", endpoint, "name", name)
}
