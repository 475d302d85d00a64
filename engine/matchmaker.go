package engine

import (
	"context"
	"time"

	"shuttlelink/logging"
	"shuttlelink/task"
	"shuttlelink/track"
)

// DefaultDispatchStagger is the minimum spacing between any two
// consecutive dispatches across all slots. The first dispatch after
// startup is exempt.
const DefaultDispatchStagger = 2 * time.Second

// idlePollInterval bounds how long the matchmaker sleeps with an empty
// queue before re-checking its inputs.
const idlePollInterval = time.Second

type slotKey struct {
	device string
	slot   int
}

// slotInfo pairs a worker with its capability set.
type slotInfo struct {
	w    *worker
	caps map[task.CommandType]bool
}

// matchmaker is the single-goroutine scheduler. It pairs the head of
// the pending FIFO with a ready slot under the dispatch rules; the head
// is never skipped.
type matchmaker struct {
	ch      *Channels
	tracker *track.Tracker
	gate    *Event
	slots   map[slotKey]*slotInfo
	stagger time.Duration

	fifo    []task.CommandEnvelope
	tickets []ReadyTicket

	dispatched   bool
	lastDispatch time.Time
}

func newMatchmaker(ch *Channels, tracker *track.Tracker, gate *Event, slots map[slotKey]*slotInfo, stagger time.Duration) *matchmaker {
	if stagger <= 0 {
		stagger = DefaultDispatchStagger
	}
	return &matchmaker{
		ch:      ch,
		tracker: tracker,
		gate:    gate,
		slots:   slots,
		stagger: stagger,
	}
}

func (mm *matchmaker) run(ctx context.Context) {
	for {
		if err := mm.gate.Wait(ctx); err != nil {
			return
		}

		mm.drainInput()

		if len(mm.fifo) == 0 {
			// Nothing to schedule: close the gate and doze until a
			// submission reopens it or a ticket arrives.
			mm.gate.Reset()
			select {
			case <-ctx.Done():
				return
			case env := <-mm.ch.Input:
				mm.accept(env)
				mm.gate.Set()
			case t := <-mm.ch.Ready:
				mm.tickets = append(mm.tickets, t)
			case <-time.After(idlePollInterval):
			}
			continue
		}

		mm.drainTickets()
		before := len(mm.fifo)
		if !mm.dispatch(ctx) {
			return
		}

		if len(mm.fifo) == before {
			// The head is blocked by the dispatch rules. Doze until new
			// input or a fresh ticket changes the picture, re-checking
			// periodically for gates cleared elsewhere.
			select {
			case <-ctx.Done():
				return
			case env := <-mm.ch.Input:
				mm.accept(env)
			case t := <-mm.ch.Ready:
				mm.tickets = append(mm.tickets, t)
			case <-time.After(idlePollInterval):
			}
		}
	}
}

// accept appends an envelope to the FIFO unless it was removed while
// queued.
func (mm *matchmaker) accept(env task.CommandEnvelope) {
	if state, ok := mm.tracker.State(env.ID); ok && state == track.StateRemoved {
		logging.DebugLog("matchmaker", "dropping removed command %s", env.ID)
		return
	}
	mm.fifo = append(mm.fifo, env)
}

func (mm *matchmaker) drainInput() {
	for {
		select {
		case env := <-mm.ch.Input:
			mm.accept(env)
		default:
			return
		}
	}
}

func (mm *matchmaker) drainTickets() {
	for {
		select {
		case t := <-mm.ch.Ready:
			mm.tickets = append(mm.tickets, t)
		default:
			return
		}
	}
}

// dispatch pairs the FIFO head with ready slots until no match exists.
// Returns false on shutdown.
func (mm *matchmaker) dispatch(ctx context.Context) bool {
	for len(mm.fifo) > 0 {
		head := mm.fifo[0]

		if state, ok := mm.tracker.State(head.ID); ok && state == track.StateRemoved {
			mm.fifo = mm.fifo[1:]
			continue
		}

		idx := mm.match(&head)
		if idx < 0 {
			// Never skip the head.
			return true
		}

		if mm.dispatched {
			if wait := mm.stagger - time.Since(mm.lastDispatch); wait > 0 {
				if !sleepCtx(ctx, wait) {
					// Rolled back: the head stays queued, the ticket
					// stays held.
					return false
				}
			}
		}

		ticket := mm.tickets[idx]
		info := mm.slots[slotKey{ticket.Device, ticket.Slot}]

		if err := mm.tracker.MarkProcessing(head.ID, ticket.Device); err != nil {
			// Removed while we waited out the stagger.
			logging.DebugLog("matchmaker", "skipping %s: %v", head.ID, err)
			mm.fifo = mm.fifo[1:]
			continue
		}

		info.w.mailbox <- head
		logging.DebugLog("matchmaker", "dispatched %s (%s) to %s slot %d", head.ID, head.Type, ticket.Device, ticket.Slot)

		mm.fifo = mm.fifo[1:]
		mm.tickets = append(mm.tickets[:idx], mm.tickets[idx+1:]...)
		mm.dispatched = true
		mm.lastDispatch = time.Now()
	}
	return true
}

// match finds the index of a ready ticket the envelope may dispatch to,
// or -1. The rules apply in order: global alarm gate, device-error
// gates, exclusive commands, inbound/outbound exclusion, device
// affinity, slot capability.
func (mm *matchmaker) match(env *task.CommandEnvelope) int {
	if _, alarmed := mm.tracker.Alarm(); alarmed {
		return -1
	}

	processing := mm.tracker.ProcessingTypes()
	total := 0
	for _, n := range processing {
		total += n
	}

	if processing[task.CommandTransfer] > 0 || processing[task.CommandCheckPallet] > 0 {
		return -1
	}
	if env.Type.Exclusive() && total > 0 {
		return -1
	}
	if env.Type == task.CommandInbound && processing[task.CommandOutbound] > 0 {
		return -1
	}
	if env.Type == task.CommandOutbound && processing[task.CommandInbound] > 0 {
		return -1
	}

	for i, t := range mm.tickets {
		if env.Device != "" && t.Device != env.Device {
			continue
		}
		if _, gated := mm.tracker.DeviceError(t.Device); gated {
			continue
		}
		info := mm.slots[slotKey{t.Device, t.Slot}]
		if info == nil || !info.caps[env.Type] {
			continue
		}
		return i
	}
	return -1
}
