package emit

// Emitter receives observability events from task automation.
//
// Implementations must be safe for concurrent use: parallel reviewers emit
// from separate goroutines. Emit must never block task execution and must
// never panic; backend failures are handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans every event out to several emitters, e.g. log output plus
// OpenTelemetry spans at the same time.
type Multi []Emitter

func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
