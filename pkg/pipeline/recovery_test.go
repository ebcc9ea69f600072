package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/actor"
	"wparse/pkg/routing"
	"wparse/pkg/sinkcoord"
	"wparse/pkg/types"
)

func TestRecoveryReplaysRescuedUnitOnce(t *testing.T) {
	root := t.TempDir()

	// simulate a failed delivery: the unit was rescued to disk
	writer := sinkcoord.NewRescueFileWriter(root, nil)
	rec := &types.DataRecord{}
	rec.Append(types.NewField("msg", types.Chars("recovered")))
	require.NoError(t, writer.Write("biz", sinkcoord.SinkUnit{Record: rec}))
	require.NoError(t, writer.Close()) // releases the .lock companion

	// the sink is back: deliveries land on a channel terminal
	term := sinkcoord.NewChannelTerminal(8)
	route := sinkcoord.NewSinkRouteAgent()
	route.Register(&sinkcoord.SinkGroupAgent{
		SinkID:   "biz",
		Terminal: &sinkcoord.ReplicaGroup{Replicas: []sinkcoord.SinkTerminal{term}},
	})
	reg := routing.NewSinkRuleRegistry()
	reg.Freeze()
	alloc := &sinkcoord.ParserResAlloc{Registry: reg, Route: route}

	picker := NewActCovPicker(root, alloc, JSONOffsetStore{Path: filepath.Join(root, "recover.lock")}, nil)

	ctrl := make(chan actor.ActorCtrlCmd, 4)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		picker.Run(ctrl, stop)
	}()

	var unit sinkcoord.SinkUnit
	select {
	case unit = <-term.Chan():
	case <-time.After(10 * time.Second):
		t.Fatal("recovery picker did not replay the rescued unit")
	}
	require.NotNil(t, unit.Record)
	msg, ok := unit.Record.Get("msg")
	require.True(t, ok)
	assert.Equal(t, "recovered", msg.Value.Chars)

	ctrl <- actor.StopCmd(actor.Immediate)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("recovery picker did not stop")
	}

	// exactly once: nothing further arrives
	select {
	case extra := <-term.Chan():
		t.Fatalf("unexpected duplicate replay: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	// the fully-consumed rescue file is removed
	var datFiles []string
	matches, _ := filepath.Glob(filepath.Join(root, "biz", "*.dat"))
	datFiles = append(datFiles, matches...)
	assert.Empty(t, datFiles)
}

func TestRecoverySkipsLockedFiles(t *testing.T) {
	root := t.TempDir()
	writer := sinkcoord.NewRescueFileWriter(root, nil)
	rec := &types.DataRecord{}
	rec.Append(types.NewField("msg", types.Chars("still writing")))
	require.NoError(t, writer.Write("biz", sinkcoord.SinkUnit{Record: rec}))
	// no Close: the .lock companion stays, marking the file in-progress

	term := sinkcoord.NewChannelTerminal(8)
	route := sinkcoord.NewSinkRouteAgent()
	route.Register(&sinkcoord.SinkGroupAgent{
		SinkID:   "biz",
		Terminal: &sinkcoord.ReplicaGroup{Replicas: []sinkcoord.SinkTerminal{term}},
	})
	reg := routing.NewSinkRuleRegistry()
	reg.Freeze()
	alloc := &sinkcoord.ParserResAlloc{Registry: reg, Route: route}

	picker := NewActCovPicker(root, alloc, JSONOffsetStore{Path: filepath.Join(root, "recover.lock")}, nil)
	ctrl := make(chan actor.ActorCtrlCmd, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		picker.Run(ctrl, nil)
	}()

	select {
	case u := <-term.Chan():
		t.Fatalf("locked rescue file must not be replayed, got %+v", u)
	case <-time.After(300 * time.Millisecond):
	}

	ctrl <- actor.StopCmd(actor.Immediate)
	<-done
	writer.Close()
}
