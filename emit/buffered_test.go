package emit

import (
	"sync"
	"testing"
)

func TestBufferedEmitter_HistoryOrder(t *testing.T) {
	emitter := NewBufferedEmitter()

	msgs := []string{"run_start", "step_start", "step_complete", "run_complete"}
	for _, msg := range msgs {
		emitter.Emit(Event{Task: "proj#1", Run: "run-001", Msg: msg})
	}
	emitter.Emit(Event{Task: "proj#2", Msg: "run_start"})

	history := emitter.History("proj#1")
	if len(history) != len(msgs) {
		t.Fatalf("history = %d events, want %d", len(history), len(msgs))
	}
	for i, event := range history {
		if event.Msg != msgs[i] {
			t.Errorf("event %d = %q, want %q", i, event.Msg, msgs[i])
		}
	}
}

func TestBufferedEmitter_Filter(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{Task: "proj#1", Step: "implement", Msg: "step_start"})
	emitter.Emit(Event{Task: "proj#1", Step: "implement", Msg: "step_complete"})
	emitter.Emit(Event{Task: "proj#1", Step: "test", Agent: "pr-test-analyzer", Msg: "step_start"})

	byStep := emitter.HistoryWithFilter("proj#1", HistoryFilter{Step: "implement"})
	if len(byStep) != 2 {
		t.Errorf("step filter = %d events, want 2", len(byStep))
	}

	combined := emitter.HistoryWithFilter("proj#1", HistoryFilter{Step: "test", Msg: "step_start"})
	if len(combined) != 1 || combined[0].Agent != "pr-test-analyzer" {
		t.Errorf("combined filter = %+v", combined)
	}
}

func TestBufferedEmitter_Clear(t *testing.T) {
	emitter := NewBufferedEmitter()
	emitter.Emit(Event{Task: "proj#1", Msg: "a"})
	emitter.Emit(Event{Task: "proj#2", Msg: "b"})

	emitter.Clear("proj#1")
	if len(emitter.History("proj#1")) != 0 {
		t.Error("proj#1 history survived Clear")
	}
	if len(emitter.History("proj#2")) != 1 {
		t.Error("proj#2 history was clobbered")
	}

	emitter.Clear("")
	if len(emitter.History("proj#2")) != 0 {
		t.Error("history survived full Clear")
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	emitter := NewBufferedEmitter()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				emitter.Emit(Event{Task: "proj#1", Msg: "step_start"})
			}
		}()
	}
	wg.Wait()

	if got := len(emitter.History("proj#1")); got != 1000 {
		t.Errorf("history = %d events, want 1000", got)
	}
}
