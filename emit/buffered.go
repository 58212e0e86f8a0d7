package emit

import "sync"

// BufferedEmitter stores events in memory, keyed by task reference.
//
// It backs the `foreman task history` view and most component tests: run a
// workflow against it, then assert on the captured event sequence.
//
// All events are held in memory; long-lived processes should Clear tasks
// they are done with.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // task ref -> events
}

// HistoryFilter narrows History results. Empty fields match everything;
// set fields combine with AND.
type HistoryFilter struct {
	Run   string
	Step  string
	Agent string
	Msg   string
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event under its task reference.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.Task] = append(b.events[event.Task], event)
}

// History returns all events for a task in emission order. The returned
// slice is a copy.
func (b *BufferedEmitter) History(task string) []Event {
	return b.HistoryWithFilter(task, HistoryFilter{})
}

// HistoryWithFilter returns the task's events matching the filter, in
// emission order.
func (b *BufferedEmitter) HistoryWithFilter(task string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[task] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.Run != "" && event.Run != filter.Run {
		return false
	}
	if filter.Step != "" && event.Step != filter.Step {
		return false
	}
	if filter.Agent != "" && event.Agent != filter.Agent {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	return true
}

// Clear removes stored events for one task, or every task when the
// reference is empty.
func (b *BufferedEmitter) Clear(task string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if task == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, task)
	}
}
