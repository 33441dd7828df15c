package device

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Kind identifies one of the transports a device can be reached over.
type Kind int

const (
	KindNone Kind = iota
	KindLocal
	KindBluetooth
	KindCloud
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindBluetooth:
		return "bluetooth"
	case KindCloud:
		return "cloud"
	default:
		return "none"
	}
}

// ParseKind converts a transport name to its Kind. Empty means KindNone.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "":
		return KindNone, nil
	case "local", "miio":
		return KindLocal, nil
	case "bluetooth", "ble":
		return KindBluetooth, nil
	case "cloud":
		return KindCloud, nil
	default:
		return KindNone, fmt.Errorf("unknown transport %q", s)
	}
}

// Transport is an established session to one device. Implementations are
// created by a TransportFactory during connect and closed exactly once.
type Transport interface {
	Kind() Kind
	GetProperty(ctx context.Context, prop *PropertyDescriptor) (interface{}, error)
	SetProperty(ctx context.Context, prop *PropertyDescriptor, value interface{}) error
	Close(ctx context.Context) error
}

// Notifier is implemented by transports with native change notification
// (Bluetooth). The returned stop function tears the underlying notification
// down; it must be called at most once. Transports without Notifier get
// polling-based notification instead.
type Notifier interface {
	StartNotify(ctx context.Context, prop *PropertyDescriptor, fn func(interface{})) (stop func(context.Context) error, err error)
}

// LostReporter is implemented by transports that can detect the session
// dropping without a local Close call. The channel is closed on loss.
type LostReporter interface {
	Lost() <-chan struct{}
}

// TransportFactory dials a transport of the given kind for an identity.
// The client context implements this; tests substitute fakes.
type TransportFactory interface {
	Dial(ctx context.Context, identity Identity, kind Kind, model *Model) (Transport, error)
}

// Caller is the local-RPC collaborator: a session that executes one binary
// RPC method call against the device. Wire protocol and handshake are owned
// by the implementation.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Close() error
}

// Requester is the cloud collaborator: issues one signed HTTP RPC request.
// Login and request signing are owned by the implementation.
type Requester interface {
	Request(ctx context.Context, path string, data interface{}) (json.RawMessage, error)
}

type propertyRef struct {
	DID  string `json:"did,omitempty"`
	SIID uint   `json:"siid"`
	PIID uint   `json:"piid"`
}

type propertyValue struct {
	DID   string      `json:"did,omitempty"`
	SIID  uint        `json:"siid"`
	PIID  uint        `json:"piid"`
	Code  int         `json:"code"`
	Value interface{} `json:"value,omitempty"`
}

// localTransport routes property access through a local-RPC Caller using
// get_properties/set_properties with siid/piid pairs.
type localTransport struct {
	caller Caller
	log    *logrus.Entry
}

// NewLocalTransport wraps an established local-RPC session.
func NewLocalTransport(caller Caller, log *logrus.Entry) Transport {
	return &localTransport{caller: caller, log: log}
}

func (t *localTransport) Kind() Kind { return KindLocal }

func (t *localTransport) GetProperty(ctx context.Context, prop *PropertyDescriptor) (interface{}, error) {
	if prop.Local == nil {
		return nil, &UnsupportedOperationError{Property: prop.Name, Required: AccessRead}
	}
	raw, err := t.caller.Call(ctx, "get_properties", []propertyRef{{SIID: prop.Local.SIID, PIID: prop.Local.PIID}})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prop.Name, err)
	}
	values, err := decodePropertyValues(raw)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prop.Name, err)
	}
	return values[0].Value, nil
}

func (t *localTransport) SetProperty(ctx context.Context, prop *PropertyDescriptor, value interface{}) error {
	if prop.Local == nil {
		return &UnsupportedOperationError{Property: prop.Name, Required: AccessWrite}
	}
	params := []propertyValue{{SIID: prop.Local.SIID, PIID: prop.Local.PIID, Value: value}}
	raw, err := t.caller.Call(ctx, "set_properties", params)
	if err != nil {
		return fmt.Errorf("set %s: %w", prop.Name, err)
	}
	if _, err := decodePropertyValues(raw); err != nil {
		return fmt.Errorf("set %s: %w", prop.Name, err)
	}
	return nil
}

func (t *localTransport) Close(context.Context) error {
	return t.caller.Close()
}

// cloudTransport routes property access through the cloud RPC API. The
// device id ("did") keys every request.
type cloudTransport struct {
	requester Requester
	did       string
	log       *logrus.Entry
}

// NewCloudTransport wraps a cloud session for one device id.
func NewCloudTransport(requester Requester, did string, log *logrus.Entry) Transport {
	return &cloudTransport{requester: requester, did: did, log: log}
}

func (t *cloudTransport) Kind() Kind { return KindCloud }

func (t *cloudTransport) GetProperty(ctx context.Context, prop *PropertyDescriptor) (interface{}, error) {
	if prop.Local == nil {
		return nil, &UnsupportedOperationError{Property: prop.Name, Required: AccessRead}
	}
	data := map[string]interface{}{
		"params": []propertyRef{{DID: t.did, SIID: prop.Local.SIID, PIID: prop.Local.PIID}},
	}
	raw, err := t.requester.Request(ctx, "/miotspec/prop/get", data)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prop.Name, err)
	}
	values, err := decodePropertyValues(raw)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", prop.Name, err)
	}
	return values[0].Value, nil
}

func (t *cloudTransport) SetProperty(ctx context.Context, prop *PropertyDescriptor, value interface{}) error {
	if prop.Local == nil {
		return &UnsupportedOperationError{Property: prop.Name, Required: AccessWrite}
	}
	data := map[string]interface{}{
		"params": []propertyValue{{DID: t.did, SIID: prop.Local.SIID, PIID: prop.Local.PIID, Value: value}},
	}
	raw, err := t.requester.Request(ctx, "/miotspec/prop/set", data)
	if err != nil {
		return fmt.Errorf("set %s: %w", prop.Name, err)
	}
	if _, err := decodePropertyValues(raw); err != nil {
		return fmt.Errorf("set %s: %w", prop.Name, err)
	}
	return nil
}

func (t *cloudTransport) Close(context.Context) error { return nil }

// decodePropertyValues parses a get/set_properties result, accepting both
// the bare array and the cloud's {"result": [...]} envelope, and surfaces
// non-zero per-property codes as errors.
func decodePropertyValues(raw json.RawMessage) ([]propertyValue, error) {
	var values []propertyValue
	if err := json.Unmarshal(raw, &values); err != nil {
		var envelope struct {
			Result []propertyValue `json:"result"`
		}
		if err2 := json.Unmarshal(raw, &envelope); err2 != nil || envelope.Result == nil {
			return nil, fmt.Errorf("malformed property result: %w", err)
		}
		values = envelope.Result
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("empty property result")
	}
	for _, v := range values {
		if v.Code != 0 {
			return nil, fmt.Errorf("device rejected property %d.%d with code %d", v.SIID, v.PIID, v.Code)
		}
	}
	return values, nil
}
