package device

import (
	"context"
	"strings"
	"sync"
)

// Access is the set of operations a property supports.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessNotify
)

// Has reports whether all flags in required are present.
func (a Access) Has(required Access) bool { return a&required == required }

func (a Access) String() string {
	var parts []string
	if a.Has(AccessRead) {
		parts = append(parts, "read")
	}
	if a.Has(AccessWrite) {
		parts = append(parts, "write")
	}
	if a.Has(AccessNotify) {
		parts = append(parts, "notify")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// LocalLocation addresses a property in the local-RPC and cloud protocols
// by service-index/property-index pair.
type LocalLocation struct {
	SIID uint
	PIID uint
}

// BluetoothLocation addresses a property as a GATT characteristic. Service
// and Characteristic are short codes ("0x1f10") or full UUIDs; full UUIDs
// may be mapped to codes through the model's code table.
type BluetoothLocation struct {
	Service        string
	Characteristic string
}

// PropertyDescriptor is one entry of a model's property table. Location
// fields are per transport; a property reachable over only one transport
// leaves the others nil. Decode/Encode translate between wire bytes and the
// property value for Bluetooth access; local and cloud values pass through
// as-is.
type PropertyDescriptor struct {
	Name      string
	Access    Access
	Local     *LocalLocation
	Bluetooth *BluetoothLocation
	Decode    func([]byte) (interface{}, error)
	Encode    func(interface{}) ([]byte, error)
}

// Model is the static description of one device model: its property table,
// the UUID-to-short-code map used to resolve GATT paths without discovery,
// and an optional auth hook run after every successful connect.
type Model struct {
	Name       string
	Properties []PropertyDescriptor
	Codes      map[string]uint16
	Auth       func(ctx context.Context, identity Identity, transport Transport) error
}

// Property returns the descriptor for name, or nil.
func (m *Model) Property(name string) *PropertyDescriptor {
	if m == nil {
		return nil
	}
	for i := range m.Properties {
		if m.Properties[i].Name == name {
			return &m.Properties[i]
		}
	}
	return nil
}

var (
	modelsMu sync.RWMutex
	models   = make(map[string]*Model)
)

// RegisterModel adds a model table to the registry. Models ship with the
// library but integrations may register their own.
func RegisterModel(m *Model) {
	modelsMu.Lock()
	defer modelsMu.Unlock()
	models[m.Name] = m
}

// LookupModel returns the registered model table for a model string, or nil.
func LookupModel(name string) *Model {
	modelsMu.RLock()
	defer modelsMu.RUnlock()
	return models[name]
}
