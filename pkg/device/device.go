// Package device implements the per-device connection state machine: one
// connection/property model over the local-RPC, Bluetooth and cloud
// transports, with connect deduplication, cancellation, subscription
// management and bounded-retry reconnection.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/events"
	"github.com/srg/xmihome/internal/groutine"
)

// State is the connection lifecycle state of one device.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "idle"
	}
}

// Identity names a device across sessions. At least one of ID, Address or
// MAC must be present. Fields are immutable for the device's lifetime.
type Identity struct {
	// ID is the cloud-side device id ("did").
	ID string
	// Address and Token reach the device over the local-RPC transport.
	Address string
	Token   string
	// MAC reaches the device over Bluetooth.
	MAC string
	// Model selects the registered property table, e.g. "miaomiaoce.sensor_ht.t2".
	Model string
	// Name is a human-readable label.
	Name string
	// Path is the bus object path when the identity came from discovery.
	Path string
}

// Validate checks the identity can name a device at all.
func (id Identity) Validate() error {
	if id.ID == "" && id.Address == "" && id.MAC == "" {
		return &ConnectionError{Reason: ReasonMissingFields, Msg: "identity needs at least one of id, address or mac"}
	}
	return nil
}

// Key derives the canonical registry key: bus path suffix, then MAC, then
// address, then id, then the serialized identity as a last resort.
func (id Identity) Key() string {
	switch {
	case id.Path != "":
		if i := strings.LastIndex(id.Path, "/"); i >= 0 {
			return id.Path[i+1:]
		}
		return id.Path
	case id.MAC != "":
		return strings.ToUpper(id.MAC)
	case id.Address != "":
		return id.Address
	case id.ID != "":
		return id.ID
	}
	b, _ := json.Marshal(id)
	return string(b)
}

// Options tune one device's state machine.
type Options struct {
	// DefaultTransport is tried before inference when Connect gets no hint.
	DefaultTransport Kind
	// Reconnect configures the external-disconnect retry loop.
	Reconnect ReconnectConfig
	// PollInterval is the notification-emulation poll period for transports
	// without native notify.
	PollInterval time.Duration
	// EventBuffer sizes the device event ring.
	EventBuffer int
}

func (o *Options) applyDefaults() {
	o.Reconnect.applyDefaults()
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// operation is one in-flight connect or reconnect. It acts as the
// cooperative mutex: a second caller observing it joins its result instead
// of starting a conflicting attempt.
type operation struct {
	kind   Kind
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

func (o *operation) wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Device is the connection state machine for one logical device. All state
// transitions happen through its methods; the zero value is not usable, use
// New.
type Device struct {
	identity Identity
	model    *Model
	factory  TransportFactory
	opts     Options
	log      *logrus.Entry
	events   *events.Ring[Event]
	subs     *subscriptionSet

	mu          sync.Mutex
	state       State
	transport   Transport
	op          *operation
	reconnectOp *operation
	watchStop   chan struct{}
}

// New builds a device from its identity. The model table is looked up from
// the registry once, at creation.
func New(identity Identity, factory TransportFactory, opts Options, logger *logrus.Logger) (*Device, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts.applyDefaults()

	d := &Device{
		identity: identity,
		model:    LookupModel(identity.Model),
		factory:  factory,
		opts:     opts,
		log:      logger.WithField("device", identity.Key()),
		events:   events.NewRing[Event](opts.EventBuffer),
	}
	d.subs = newSubscriptionSet(d)
	return d, nil
}

// Identity returns the identity the device was created with.
func (d *Device) Identity() Identity { return d.identity }

// Model returns the device's property table, or nil when the model is
// unknown.
func (d *Device) Model() *Model { return d.model }

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ActiveTransport returns the kind of the established session, or KindNone.
func (d *Device) ActiveTransport() Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return KindNone
	}
	return d.transport.Kind()
}

// Events returns the device's lifecycle event stream.
func (d *Device) Events() <-chan Event { return d.events.C() }

func (d *Device) emit(ev Event) {
	if dropped := d.events.Send(ev); dropped {
		d.log.Debug("Device event ring full, dropped oldest event")
	}
}

func (d *Device) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Connect establishes a session over the hinted transport, or over the
// configured default, or over the transport inferred from the identity.
// A connect already in flight is joined, not duplicated; hinting a kind
// different from the in-flight or established one aborts it first.
func (d *Device) Connect(ctx context.Context, hint Kind) error {
	for {
		d.mu.Lock()
		if d.state == StateConnected && d.transport != nil {
			if hint == KindNone || d.transport.Kind() == hint {
				d.mu.Unlock()
				return nil
			}
			d.mu.Unlock()
			if err := d.Disconnect(ctx); err != nil {
				return err
			}
			continue
		}
		if op := d.op; op != nil {
			if hint != KindNone && op.kind != hint {
				d.mu.Unlock()
				op.cancel()
				<-op.done
				continue
			}
			d.mu.Unlock()
			return op.wait(ctx)
		}
		if op := d.reconnectOp; op != nil {
			d.mu.Unlock()
			return op.wait(ctx)
		}

		kind, err := d.resolveKind(hint)
		if err != nil {
			d.mu.Unlock()
			return err
		}
		opCtx, cancel := context.WithCancel(ctx)
		op := &operation{kind: kind, done: make(chan struct{}), cancel: cancel}
		d.op = op
		d.state = StateConnecting
		d.mu.Unlock()

		err = d.dial(opCtx, kind)
		cancel()

		d.mu.Lock()
		if d.op == op {
			d.op = nil
		}
		if err != nil && d.state == StateConnecting {
			d.state = StateIdle
		}
		d.mu.Unlock()

		op.err = err
		close(op.done)
		return err
	}
}

// dial performs one connection attempt: transport dial, auth hook, state
// publication, lost-session watcher.
func (d *Device) dial(ctx context.Context, kind Kind) error {
	d.log.WithField("transport", kind.String()).Info("Connecting to device")

	tr, err := d.factory.Dial(ctx, d.identity, kind, d.model)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return err
	}

	if d.model != nil && d.model.Auth != nil {
		if err := d.model.Auth(ctx, d.identity, tr); err != nil {
			if cerr := tr.Close(context.Background()); cerr != nil {
				d.log.WithField("error", cerr).Warn("Teardown after failed authentication")
			}
			return &AuthenticationError{Model: d.model.Name, Err: err}
		}
	}

	stop := make(chan struct{})
	d.mu.Lock()
	d.transport = tr
	d.state = StateConnected
	d.watchStop = stop
	d.mu.Unlock()

	if lr, ok := tr.(LostReporter); ok {
		lost := lr.Lost()
		groutine.Go(nil, "watch-lost-"+d.identity.Key(), func(context.Context) {
			d.watchLost(lost, stop)
		})
	}

	d.emit(ConnectedEvent{Transport: kind})
	d.log.WithField("transport", kind.String()).Info("Device connected")
	return nil
}

func (d *Device) watchLost(lost <-chan struct{}, stop chan struct{}) {
	if lost == nil {
		return
	}
	select {
	case <-lost:
		d.externalDisconnect()
	case <-stop:
	}
}

// Disconnect tears the session down. Idempotent: with nothing connected and
// nothing pending it is a no-op. A connect or reconnect in flight is
// cancelled and awaited first; subscription and transport teardown errors
// are logged, never returned, and the disconnect notification always fires.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	// A new Connect may install a fresh operation while the lock is
	// released to await the previous one; keep cancelling until none is in
	// flight at the moment of the check.
	for {
		op := d.op
		if op == nil {
			op = d.reconnectOp
		}
		if op == nil {
			break
		}
		d.mu.Unlock()
		op.cancel()
		<-op.done
		d.mu.Lock()
	}
	tr := d.transport
	if tr == nil && d.state == StateIdle {
		d.mu.Unlock()
		return nil
	}
	d.transport = nil
	d.state = StateDisconnecting
	if d.watchStop != nil {
		close(d.watchStop)
		d.watchStop = nil
	}
	d.mu.Unlock()

	d.emit(DisconnectingEvent{})
	d.subs.stopAll(ctx)
	if tr != nil {
		if err := tr.Close(ctx); err != nil {
			d.log.WithField("error", err).Warn("Transport teardown failed")
		}
	}
	// A connect issued during teardown owns the state from here on; only
	// finish the transition this call started.
	d.mu.Lock()
	if d.state == StateDisconnecting {
		d.state = StateIdle
	}
	d.mu.Unlock()
	d.log.Info("Device disconnected")
	return nil
}

// resolveKind picks the transport for a connect call: explicit hint first,
// then the configured default when the identity satisfies it, then
// inference from which identity fields are populated.
func (d *Device) resolveKind(hint Kind) (Kind, error) {
	if hint != KindNone {
		if err := d.validateKind(hint); err != nil {
			return KindNone, err
		}
		return hint, nil
	}
	if def := d.opts.DefaultTransport; def != KindNone {
		if err := d.validateKind(def); err == nil {
			return def, nil
		}
	}
	switch {
	case d.identity.Address != "" && d.identity.Token != "":
		return KindLocal, nil
	case d.identity.MAC != "" && d.identity.Model != "":
		return KindBluetooth, nil
	case d.identity.ID != "":
		return KindCloud, nil
	}
	return KindNone, &ConnectionError{Reason: ReasonNoTransport, Msg: "unable to determine transport from identity"}
}

func (d *Device) validateKind(kind Kind) error {
	switch kind {
	case KindLocal:
		if d.identity.Address == "" || d.identity.Token == "" {
			return &ConnectionError{Reason: ReasonMissingFields, Msg: "local transport requires address and token"}
		}
	case KindBluetooth:
		if d.identity.MAC == "" {
			return &ConnectionError{Reason: ReasonMissingFields, Msg: "bluetooth transport requires mac"}
		}
	case KindCloud:
		if d.identity.ID == "" {
			return &ConnectionError{Reason: ReasonMissingFields, Msg: "cloud transport requires id"}
		}
	default:
		return ErrNoTransport
	}
	return nil
}

func (d *Device) property(name string) (*PropertyDescriptor, error) {
	prop := d.model.Property(name)
	if prop == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	return prop, nil
}

// activeTransport returns the established session, connecting on demand.
func (d *Device) activeTransport(ctx context.Context) (Transport, error) {
	d.mu.Lock()
	if d.state == StateConnected && d.transport != nil {
		tr := d.transport
		d.mu.Unlock()
		return tr, nil
	}
	d.mu.Unlock()

	if err := d.Connect(ctx, KindNone); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil, ErrNotConnected
	}
	return d.transport, nil
}

// GetProperty reads one property over the active transport, connecting
// first if necessary.
func (d *Device) GetProperty(ctx context.Context, name string) (interface{}, error) {
	prop, err := d.property(name)
	if err != nil {
		return nil, err
	}
	if !prop.Access.Has(AccessRead) {
		return nil, &UnsupportedOperationError{Property: name, Required: AccessRead}
	}
	tr, err := d.activeTransport(ctx)
	if err != nil {
		return nil, err
	}
	return tr.GetProperty(ctx, prop)
}

// SetProperty writes one property over the active transport, connecting
// first if necessary.
func (d *Device) SetProperty(ctx context.Context, name string, value interface{}) error {
	prop, err := d.property(name)
	if err != nil {
		return err
	}
	if !prop.Access.Has(AccessWrite) {
		return &UnsupportedOperationError{Property: name, Required: AccessWrite}
	}
	tr, err := d.activeTransport(ctx)
	if err != nil {
		return err
	}
	return tr.SetProperty(ctx, prop, value)
}

// GetProperties reads several properties; with no names it reads every
// readable property of the model.
func (d *Device) GetProperties(ctx context.Context, names ...string) (map[string]interface{}, error) {
	if len(names) == 0 {
		if d.model == nil {
			return nil, fmt.Errorf("%w: device has no model table", ErrUnknownProperty)
		}
		for _, p := range d.model.Properties {
			if p.Access.Has(AccessRead) {
				names = append(names, p.Name)
			}
		}
	}
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		value, err := d.GetProperty(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// StartNotify subscribes a callback to property changes. All callbacks for
// one property share a single underlying mechanism: native notify when the
// transport supports it, a poll loop otherwise. The returned token
// identifies the registration for StopNotify.
func (d *Device) StartNotify(ctx context.Context, name string, fn Callback) (int, error) {
	prop, err := d.property(name)
	if err != nil {
		return 0, err
	}
	if !prop.Access.Has(AccessNotify) {
		return 0, &UnsupportedOperationError{Property: name, Required: AccessNotify}
	}
	tr, err := d.activeTransport(ctx)
	if err != nil {
		return 0, err
	}
	return d.subs.add(ctx, tr, prop, fn)
}

// StopNotify removes one registration; removing the last callback for a
// property also tears down the underlying mechanism.
func (d *Device) StopNotify(ctx context.Context, name string, token int) error {
	return d.subs.remove(ctx, name, token)
}
