package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"ethosfleet/pkg/model"
)

// Publisher 对外广播 fleet 事件。实现不能阻塞调用方
type Publisher interface {
	NodeChanged(change model.NodeChange)
	MigrationUpdated(m model.Migration)
	TargetChanged(target int)
	Close() error
}

// Nop 不接 NATS 时使用
type Nop struct{}

func (Nop) NodeChanged(model.NodeChange)     {}
func (Nop) MigrationUpdated(model.Migration) {}
func (Nop) TargetChanged(int)                {}
func (Nop) Close() error                     { return nil }

// TargetEvent target 变化的消息体
type TargetEvent struct {
	Target int       `json:"target"`
	At     time.Time `json:"at"`
}

// NATSPublisher 是 Publisher 的 NATS 实现。subject 布局：
//
//	<prefix>.node.<registered|transitioned|removed>
//	<prefix>.migration
//	<prefix>.target
type NATSPublisher struct {
	nc     publishConn
	prefix string
	log    *zap.SugaredLogger
}

// publishConn 是 *nats.Conn 用到的子集
type publishConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NewNATSPublisher 连接 NATS。断线后自动重连，期间的消息由客户端缓冲
func NewNATSPublisher(url, prefix string, log *zap.SugaredLogger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("ethosfleet-controller"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infow("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, log: log}, nil
}

func (p *NATSPublisher) NodeChanged(change model.NodeChange) {
	p.publish(p.prefix+".node."+string(change.Kind), change)
}

func (p *NATSPublisher) MigrationUpdated(m model.Migration) {
	p.publish(p.prefix+".migration", m)
}

func (p *NATSPublisher) TargetChanged(target int) {
	p.publish(p.prefix+".target", TargetEvent{Target: target, At: time.Now()})
}

// Close 先把缓冲区里的消息发完再断开
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "drain nats")
	}
	return nil
}

func (p *NATSPublisher) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		p.log.Errorw("encode event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warnw("publish event", "subject", subject, "error", err)
	}
}
