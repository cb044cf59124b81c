package events

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ethosfleet/pkg/model"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []message
	drained bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, message{subject, data})
	return nil
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisherSubjects(t *testing.T) {
	conn := &fakeConn{}
	p := &NATSPublisher{nc: conn, prefix: "ethosfleet.events", log: zaptest.NewLogger(t).Sugar()}

	p.NodeChanged(model.NodeChange{Kind: model.ChangeTransitioned, Node: model.Node{ID: "node-1", State: model.NodeDegraded}})
	p.MigrationUpdated(model.Migration{ID: "mig-1", SourceID: "a", TargetID: "b"})
	p.TargetChanged(4)
	require.NoError(t, p.Close())

	require.Len(t, conn.msgs, 3)
	require.Equal(t, "ethosfleet.events.node.transitioned", conn.msgs[0].subject)
	require.Equal(t, "ethosfleet.events.migration", conn.msgs[1].subject)
	require.Equal(t, "ethosfleet.events.target", conn.msgs[2].subject)
	require.True(t, conn.drained)

	var change map[string]interface{}
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &change))
	require.Equal(t, "Degraded", change["node"].(map[string]interface{})["state"])

	var target TargetEvent
	require.NoError(t, json.Unmarshal(conn.msgs[2].data, &target))
	require.Equal(t, 4, target.Target)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.TargetChanged(1)
	require.NoError(t, p.Close())
}
