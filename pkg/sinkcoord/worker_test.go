package sinkcoord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// flakyBackend fails the first failN sends, then succeeds.
type flakyBackend struct {
	mu    sync.Mutex
	failN int
	got   []SinkUnit
}

func (f *flakyBackend) TrySend(u SinkUnit) (TrySendStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return SendErr, errors.New("transient write failure")
	}
	f.got = append(f.got, u)
	return Sended, nil
}

func (f *flakyBackend) SendBatch(units []SinkUnit) error {
	for _, u := range units {
		if _, err := f.TrySend(u); err != nil {
			return err
		}
	}
	return nil
}

func (f *flakyBackend) Close() error { return nil }

// memRescue collects rescued units in memory.
type memRescue struct {
	mu    sync.Mutex
	units []SinkUnit
}

func (m *memRescue) Write(sinkName string, u SinkUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units = append(m.units, u)
	return nil
}

func TestSinkWorkerDrainsAndRescuesFailures(t *testing.T) {
	term := NewChannelTerminal(8)
	backend := &flakyBackend{failN: 1}
	rescue := &memRescue{}
	w := NewSinkWorker("biz", term, backend, rescue, types.RobustNormal, nil)

	require.Equal(t, Sended, term.TrySend(SinkUnit{Raw: []byte("first")}))
	require.Equal(t, Sended, term.TrySend(SinkUnit{Raw: []byte("second")}))

	ctrl := make(chan actor.ActorCtrlCmd, 4)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctrl, stop)
	}()

	// let the worker consume both, then stop it
	time.Sleep(200 * time.Millisecond)
	ctrl <- actor.StopCmd(actor.Immediate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	backend.mu.Lock()
	delivered := len(backend.got)
	backend.mu.Unlock()
	rescue.mu.Lock()
	rescued := len(rescue.units)
	rescue.mu.Unlock()

	// at-least-once: every unit is either delivered or rescued
	assert.Equal(t, 2, delivered+rescued)
	assert.Equal(t, 1, rescued, "the failed unit must be rescued, not dropped")
}

func TestSinkWorkerExitsWhenTerminalCloses(t *testing.T) {
	term := NewChannelTerminal(2)
	backend := &flakyBackend{}
	w := NewSinkWorker("biz", term, backend, nil, types.RobustNormal, nil)

	require.Equal(t, Sended, term.TrySend(SinkUnit{Raw: []byte("x")}))
	term.Close()

	ctrl := make(chan actor.ActorCtrlCmd)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctrl, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit on closed terminal")
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Len(t, backend.got, 1)
}
