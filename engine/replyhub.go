package engine

import (
	"context"

	"shuttlelink/logging"
	"shuttlelink/task"
	"shuttlelink/track"
)

// replyHub is the single consumer of the result stream. Intermediate
// alarms raise the global alarm gate; terminal results complete the
// command in the tracker. Every result is broadcast to observers.
type replyHub struct {
	ch      *Channels
	tracker *track.Tracker
	bus     *Broadcaster
}

func newReplyHub(ch *Channels, tracker *track.Tracker, bus *Broadcaster) *replyHub {
	return &replyHub{ch: ch, tracker: tracker, bus: bus}
}

func (h *replyHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Drain what the workers already produced so no result is
			// silently lost on shutdown.
			for {
				select {
				case res := <-h.ch.Results:
					h.handle(res)
				default:
					return
				}
			}
		case res := <-h.ch.Results:
			h.handle(res)
		}
	}
}

func (h *replyHub) handle(res task.CommandResult) {
	if res.Status == task.StatusAlarm {
		if err := h.tracker.MarkAlarm(&res); err != nil {
			logging.DebugError("engine", "alarm on %s: %v", res.CommandID, err)
		}
	} else {
		if err := h.tracker.MarkCompleted(&res); err != nil {
			logging.DebugError("engine", "completion of %s: %v", res.CommandID, err)
		}
	}
	h.bus.Publish(res.Notification())
}
