package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"ethosfleet/pkg/model"
)

// Key 布局 (prefix 默认 /ethosfleet)
//
//	<prefix>/nodes/<id>        节点快照 JSON
//	<prefix>/target            期望规模，十进制整数
//	<prefix>/migrations/<id>   迁移记录 JSON，带 lease 自动过期
const (
	nodesDir      = "/nodes/"
	targetKey     = "/target"
	migrationsDir = "/migrations/"

	migrationTTL = int64(24 * time.Hour / time.Second)
)

type EtcdManager struct {
	client *clientv3.Client
	prefix string
	log    *zap.SugaredLogger
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, prefix string, dialTimeout time.Duration, log *zap.SugaredLogger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect etcd")
	}
	return &EtcdManager{client: cli, prefix: strings.TrimSuffix(prefix, "/"), log: log}, nil
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveNode(ctx context.Context, node model.Node) error {
	return e.putValue(ctx, e.prefix+nodesDir+node.ID, node)
}

func (e *EtcdManager) DeleteNode(ctx context.Context, id string) error {
	_, err := e.client.Delete(ctx, e.prefix+nodesDir+id)
	return errors.Wrapf(err, "delete node %s", id)
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]model.Node, error) {
	// 获取 <prefix>/nodes/ 下的所有 Key
	resp, err := e.client.Get(ctx, e.prefix+nodesDir, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list nodes")
	}

	nodes := make([]model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.log.Warnw("skip malformed node snapshot", "key", string(kv.Key), "error", err)
			continue
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Config.Ordinal != nodes[j].Config.Ordinal {
			return nodes[i].Config.Ordinal < nodes[j].Config.Ordinal
		}
		return nodes[i].ID < nodes[j].ID
	})
	return nodes, nil
}

// ---------------------------------------------------------
// Target 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveTarget(ctx context.Context, target int) error {
	_, err := e.client.Put(ctx, e.prefix+targetKey, strconv.Itoa(target))
	return errors.Wrap(err, "save target")
}

func (e *EtcdManager) GetTarget(ctx context.Context) (int, bool, error) {
	resp, err := e.client.Get(ctx, e.prefix+targetKey)
	if err != nil {
		return 0, false, errors.Wrap(err, "get target")
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	target, err := parseTarget(resp.Kvs[0].Value)
	if err != nil {
		return 0, false, err
	}
	return target, true, nil
}

// WatchTarget 将 Etcd 的 Watch 转换为业务 Channel。
// 运维直接 put <prefix>/target 即可触发扩缩容
func (e *EtcdManager) WatchTarget(ctx context.Context) <-chan int {
	out := make(chan int)

	go func() {
		defer close(out)
		watchChan := e.client.Watch(ctx, e.prefix+targetKey)

		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.log.Warnw("target watch error", "error", err)
				continue
			}
			for _, ev := range watchResp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				target, err := parseTarget(ev.Kv.Value)
				if err != nil {
					e.log.Warnw("ignore invalid target", "value", string(ev.Kv.Value), "error", err)
					continue
				}
				select {
				case out <- target:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// ---------------------------------------------------------
// Migration 相关实现
// ---------------------------------------------------------

// SaveMigration 迁移记录挂在 24h 的 lease 上，过期自动清理
func (e *EtcdManager) SaveMigration(ctx context.Context, m model.Migration) error {
	lease, err := e.client.Grant(ctx, migrationTTL)
	if err != nil {
		return errors.Wrap(err, "grant migration lease")
	}
	return e.putValue(ctx, e.prefix+migrationsDir+m.ID, m, clientv3.WithLease(lease.ID))
}

func (e *EtcdManager) ListMigrations(ctx context.Context) ([]model.Migration, error) {
	resp, err := e.client.Get(ctx, e.prefix+migrationsDir, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}

	out := make([]model.Migration, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m model.Migration
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			e.log.Warnw("skip malformed migration", "key", string(kv.Key), "error", err)
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status.IssuedAt.Before(out[j].Status.IssuedAt) })
	return out, nil
}

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return errors.Wrapf(err, "put %s", key)
}

func parseTarget(b []byte) (int, error) {
	target, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, errors.Wrapf(err, "parse target %q", string(b))
	}
	if target < 0 {
		return 0, errors.Errorf("negative target %d", target)
	}
	return target, nil
}
