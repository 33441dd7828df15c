package bluez

import (
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// TransportError represents a bus- or daemon-level failure. When the failure
// is something the user can act on (daemon not running, missing permission),
// Remediation carries the suggested fix.
type TransportError struct {
	Op          string
	Remediation string
	Err         error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("bluetooth transport: %s", e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// DiscoveryTimeoutError indicates a device did not appear within the scan
// window.
type DiscoveryTimeoutError struct {
	MAC     string
	Timeout time.Duration
}

func (e *DiscoveryTimeoutError) Error() string {
	return fmt.Sprintf("device %s not found within %s discovery window", e.MAC, e.Timeout)
}

var (
	errServiceResolution = errors.New("service resolution timed out")
	errNoSuchGATTObject  = errors.New("no such GATT object")
)

// D-Bus error names that indicate a permission problem rather than a
// device-side failure.
const (
	dbusAccessDenied   = "org.freedesktop.DBus.Error.AccessDenied"
	bluezNotAuthorized = "org.bluez.Error.NotAuthorized"
)

const permissionRemediation = "access to the Bluetooth daemon was denied; " +
	"add your user to the 'bluetooth' group (sudo usermod -aG bluetooth $USER) and log in again"

// wrapCallError translates bus call failures into TransportError, attaching
// remediation text to permission-type failures.
func wrapCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case dbusAccessDenied, bluezNotAuthorized:
			return &TransportError{Op: op, Err: err, Remediation: permissionRemediation}
		}
	}
	return &TransportError{Op: op, Err: err}
}
