package device

// Event is the sealed set of lifecycle notifications a device emits on its
// event channel. Delivery order matches the order of the underlying state
// transitions.
type Event interface {
	deviceEvent()
}

// ConnectedEvent fires after a session is established and authenticated.
type ConnectedEvent struct {
	Transport Kind
}

// DisconnectingEvent fires when teardown starts, for both explicit
// disconnects and the teardown preceding a reconnect.
type DisconnectingEvent struct{}

// ReconnectingEvent fires once when an external disconnect triggers the
// retry loop.
type ReconnectingEvent struct{}

// ReconnectFailedEvent fires when the retry budget is exhausted. No further
// automatic attempts follow.
type ReconnectFailedEvent struct {
	Attempts int
}

// PropertyChangedEvent fires for every notification delivered to a
// subscribed property.
type PropertyChangedEvent struct {
	Property string
	Value    interface{}
}

func (ConnectedEvent) deviceEvent()       {}
func (DisconnectingEvent) deviceEvent()   {}
func (ReconnectingEvent) deviceEvent()    {}
func (ReconnectFailedEvent) deviceEvent() {}
func (PropertyChangedEvent) deviceEvent() {}
