// Package pipeline implements the picker and parser worker loops:
// pulling raw events from sources, rate-limiting and batching them,
// dispatching to parser workers, and (via the recovery picker) replaying
// rescued events back through the same path.
package pipeline

import (
	"time"

	"github.com/sirupsen/logrus"

	"wparse/pkg/actor"
	"wparse/pkg/types"
)

// Tuning constants for the picker's round loop. Exact values are free to
// change; they are sized for thousands of events per second with modest
// per-round latency.
const (
	PickerFetchTimeoutMS = 200
	StatIntervalMS       = 2000
	ActorIdleTickMS      = 50
	CoalesceMaxEvents    = 512
	PendingTrigger       = 64
	GrowthFactor         = 2
	MaxSkipRounds        = 32
)

// Source is the picker-facing contract a data source implements: a
// control-aware receive loop feeding SourceBatch values.
type Source interface {
	// Start begins the source's background read loop (e.g. a tailing file
	// reader or a network listener); ctrl delivers Stop/Isolate.
	Start(ctrl <-chan actor.ActorCtrlCmd) error
	// TryReceive returns a batch without blocking if one is immediately
	// available; ok is false when none is ready (not an error).
	TryReceive() (types.SourceBatch, bool)
	// Receive blocks for up to timeout for the next batch, returning
	// io.EOF-equivalent via the Terminal bool when the source is closed.
	Receive(timeout time.Duration) (batch types.SourceBatch, terminal bool, err error)
	Key() string
}

// ParserSubscriber is a picker's outbound channel to one parser worker.
type ParserSubscriber interface {
	TrySend(types.SourceBatch) bool // false == Full
	Closed() bool
}

// RoundStat accumulates one round_pick call's outcome for periodic flush.
type RoundStat struct {
	Pulled    int
	Dispatched int
	Terminal  bool
}

func (r *RoundStat) merge(o RoundStat) {
	r.Pulled += o.Pulled
	r.Dispatched += o.Dispatched
	r.Terminal = r.Terminal || o.Terminal
}

// Picker runs one source's pull→coalesce→dispatch loop.
type Picker struct {
	Source      Source
	Subscribers []ParserSubscriber
	BurstMax    int
	RoundBatch  int
	EventsPerBatch int
	SpeedLimit  int // events/sec, 0 == unlimited

	pending PendingQueue
	pull    PullPolicy
	post    PostPolicy
	limiter *actor.RateLimiter
	next    int // round-robin index into Subscribers

	log *logrus.Entry
}

func NewPicker(src Source, subs []ParserSubscriber, burstMax, roundBatch, eventsPerBatch, speedLimit int, log *logrus.Entry) *Picker {
	unit := burstMax * roundBatch * eventsPerBatch
	if speedLimit > 0 && unit > speedLimit {
		unit = speedLimit
	}
	return &Picker{
		Source: src, Subscribers: subs, BurstMax: burstMax, RoundBatch: roundBatch,
		EventsPerBatch: eventsPerBatch, SpeedLimit: speedLimit,
		limiter: actor.NewRateLimiter(speedLimit, unit),
		log:     log,
	}
}

// Run loops until ctrl delivers Stop, performing up to RoundBatch mini
// rounds per burst, flushing a RoundStat to the supplied sink every
// StatIntervalMS.
func (p *Picker) Run(ctrl <-chan actor.ActorCtrlCmd, onStat func(RoundStat), stop <-chan struct{}) {
	ctrlr := actor.NewController(p.Source.Key(), ctrl)
	lastFlush := time.Now()

	for {
		if halt, _ := ctrlr.Poll(); halt {
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		var total RoundStat
		for i := 0; i < p.RoundBatch; i++ {
			stat := p.roundPick()
			total.merge(stat)
			if stat.Terminal {
				onStat(total)
				return
			}
		}

		if time.Since(lastFlush) >= StatIntervalMS*time.Millisecond {
			onStat(total)
			lastFlush = time.Now()
		}

		p.limiter.Wait(stop)
		if total.Pulled == 0 && total.Dispatched == 0 {
			time.Sleep(ActorIdleTickMS * time.Millisecond)
		}
	}
}

// roundPick runs one pull→coalesce→dispatch mini round.
func (p *Picker) roundPick() RoundStat {
	var stat RoundStat

	budget := p.pull.PlanPull(p.pending.Len(), p.BurstMax)
	if budget > 0 {
		for i := 0; i < budget; i++ {
			batch, ok := p.Source.TryReceive()
			if !ok {
				batch, terminal, err := p.Source.Receive(PickerFetchTimeoutMS * time.Millisecond)
				if terminal {
					stat.Terminal = true
					return stat
				}
				if err != nil {
					// retryable source error: tolerated, stop pulling this round
					break
				}
				if len(batch) > 0 {
					p.pending.PushBack(batch)
					stat.Pulled += len(batch)
				}
				continue
			}
			if len(batch) > 0 {
				p.pending.PushBack(batch)
				stat.Pulled += len(batch)
			}
		}
	}

	if !p.post.InCooldown() {
		if p.pending.Len() >= PendingTrigger {
			p.pending.CoalesceFront(CoalesceMaxEvents)
		}
		dispatched := p.handlePendingBatch(p.BurstMax)
		stat.Dispatched = dispatched
		p.post.Observe(dispatched > 0)
	}
	return stat
}

// handlePendingBatch pops up to batchSize batches from the pending queue
// and try-sends each to the current subscriber, rotating on Full for at
// most one full rotation. A batch that no subscriber can take goes back
// to the front of the queue, in order.
func (p *Picker) handlePendingBatch(batchSize int) int {
	dispatched := 0
	n := len(p.Subscribers)
	if n == 0 {
		return 0
	}
	for i := 0; i < batchSize; i++ {
		batch, ok := p.pending.PopFront()
		if !ok {
			break
		}
		sent := false
		for attempt := 0; attempt < n; attempt++ {
			sub := p.Subscribers[p.next]
			if sub.Closed() {
				p.next = (p.next + 1) % n
				continue
			}
			if sub.TrySend(batch) {
				sent = true
				dispatched++
				break
			}
			p.next = (p.next + 1) % n
		}
		if !sent {
			p.pending.PushFront(batch)
			break
		}
	}
	p.next = (p.next + 1) % n // rotate once at end of burst for fairness
	return dispatched
}
