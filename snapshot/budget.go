package snapshot

import "github.com/GoCodeAlone/turnstile/comms"

// EstimateTokens estimates the prompt cost of events at ~4 characters per
// token plus a small per-event overhead for the speaker label.
func EstimateTokens(events []comms.Event) int {
	total := 0
	for _, ev := range events {
		total += estimateEvent(ev)
	}
	return total
}

func estimateEvent(ev comms.Event) int {
	return 4 + (len(ev.SenderID)+len(ev.Content))/4
}

// fitBudget drops the oldest events until the estimate fits maxTokens.
// The last event (the trigger) is never dropped.
func fitBudget(events []comms.Event, maxTokens int) ([]comms.Event, bool) {
	total := EstimateTokens(events)
	start := 0
	for total > maxTokens && start < len(events)-1 {
		total -= estimateEvent(events[start])
		start++
	}
	out := make([]comms.Event, len(events)-start)
	copy(out, events[start:])
	return out, start > 0
}
