package emit

// NullEmitter discards all events. It is the default when no observability
// backend is configured and keeps call sites free of nil checks.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}
