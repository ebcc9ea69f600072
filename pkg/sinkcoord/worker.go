package sinkcoord

import (
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// sinkIdleTickMS is how long a worker sleeps when its backend reports
// Fulfilled before retrying the same unit.
const sinkIdleTickMS = 20

// SinkWorker drains one replica's ChannelTerminal into its SinkBackend.
// A unit that the backend cannot accept right now (Fulfilled) is retried
// after a short tick; a unit the backend rejects with an error is
// classified under the engine's robustness mode and either rescued to
// disk or surfaced.
type SinkWorker struct {
	Name       string
	Terminal   *ChannelTerminal
	Backend    SinkBackend
	Rescue     RescueWriter
	Robustness types.Robustness

	log *logrus.Entry
}

func NewSinkWorker(name string, terminal *ChannelTerminal, backend SinkBackend, rescue RescueWriter, mode types.Robustness, log *logrus.Entry) *SinkWorker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SinkWorker{
		Name:       name,
		Terminal:   terminal,
		Backend:    backend,
		Rescue:     rescue,
		Robustness: mode,
		log:        log.WithField("sink", name),
	}
}

// Run consumes units until the terminal channel closes (upstream Stop)
// or stop fires with the channel already drained. Isolate has no special
// handling here: a sink worker never originates work, it only drains.
func (w *SinkWorker) Run(ctrl <-chan actor.ActorCtrlCmd, stop <-chan struct{}) {
	ctrlr := actor.NewController(w.Name, ctrl)
	for {
		if halt, _ := ctrlr.Poll(); halt {
			w.drain()
			break
		}
		select {
		case u, ok := <-w.Terminal.Chan():
			if !ok {
				w.closeBackend()
				return
			}
			w.writeOne(u)
		case <-stop:
			w.drain()
			return
		case <-time.After(sinkIdleTickMS * time.Millisecond):
		}
	}
	w.closeBackend()
}

// drain empties whatever is still queued before the worker exits, so a
// Stop never strands accepted units in memory.
func (w *SinkWorker) drain() {
	for {
		select {
		case u, ok := <-w.Terminal.Chan():
			if !ok {
				return
			}
			w.writeOne(u)
		default:
			return
		}
	}
}

func (w *SinkWorker) writeOne(u SinkUnit) {
	for {
		status, err := w.Backend.TrySend(u)
		switch status {
		case Sended:
			return
		case Fulfilled:
			time.Sleep(sinkIdleTickMS * time.Millisecond)
		case SendErr:
			w.handleErr(u, err)
			return
		}
	}
}

func (w *SinkWorker) handleErr(u SinkUnit, err error) {
	switch types.Classify(w.Robustness, "sink_send") {
	case types.DispositionFixRetry:
		if w.Rescue == nil {
			w.log.WithError(err).Error("write failed and no rescue writer configured; unit dropped")
			return
		}
		if rerr := w.Rescue.Write(w.Name, u); rerr != nil {
			w.log.WithError(rerr).Error("rescue write failed; unit lost")
		} else {
			w.log.WithError(err).Warn("write failed; unit rescued")
		}
	default:
		w.log.WithError(err).Error("write failed")
	}
}

func (w *SinkWorker) closeBackend() {
	if err := w.Backend.Close(); err != nil {
		w.log.WithError(err).Warn("backend close")
	}
}
