package central

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// UnnamedPeripheral is shown for peripherals that advertise no name.
	UnnamedPeripheral = "Unnamed"
	// NotFoundValue is stored as the last value when a characteristic batch has nothing to subscribe to.
	NotFoundValue = "Not found"
)

type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterResetting
	AdapterUnsupported
	AdapterUnauthorized
	AdapterPoweredOff
	AdapterPoweredOn
)

var adapterStateNames = map[AdapterState]string{
	AdapterUnknown:      "unknown",
	AdapterResetting:    "resetting",
	AdapterUnsupported:  "unsupported",
	AdapterUnauthorized: "unauthorized",
	AdapterPoweredOff:   "poweredOff",
	AdapterPoweredOn:    "poweredOn",
}

func (s AdapterState) String() string {
	if n, ok := adapterStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("AdapterState(%d)", int(s))
}

func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseAdapterState is the inverse of AdapterState.String, case insensitive.
func ParseAdapterState(s string) (AdapterState, error) {
	for st, name := range adapterStateNames {
		if strings.EqualFold(name, s) {
			return st, nil
		}
	}
	return AdapterUnknown, fmt.Errorf("unknown adapter state %q", s)
}

// Phase is the position of the controller in the scan/connect/subscribe flow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUnavailable
	PhaseScanning
	PhaseConnecting
	PhaseConnected
	PhaseServicesDiscovered
	PhaseSubscribed
	PhaseNotFound
)

var phaseNames = [...]string{
	PhaseIdle:               "idle",
	PhaseUnavailable:        "unavailable",
	PhaseScanning:           "scanning",
	PhaseConnecting:         "connecting",
	PhaseConnected:          "connected",
	PhaseServicesDiscovered: "servicesDiscovered",
	PhaseSubscribed:         "subscribed",
	PhaseNotFound:           "notFound",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Screen tells the presentation layer which view to show.
type Screen string

const (
	ScreenList       Screen = "list"
	ScreenConnecting Screen = "connecting"
	ScreenConnected  Screen = "connected"
)

func (p Phase) Screen() Screen {
	switch p {
	case PhaseConnecting:
		return ScreenConnecting
	case PhaseConnected, PhaseServicesDiscovered, PhaseSubscribed, PhaseNotFound:
		return ScreenConnected
	default:
		return ScreenList
	}
}

// PeripheralID is the opaque platform handle of a remote device.
type PeripheralID string

type Peripheral struct {
	ID   PeripheralID `json:"id"`
	Name string       `json:"name"`
}

// Property is the capability bitmask of a characteristic, in the order of the
// ATT characteristic declaration.
type Property uint8

const (
	PropBroadcast Property = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

var propertyNames = []struct {
	p    Property
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteWithoutResponse, "writeWithoutResponse"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropAuthenticatedSignedWrites, "authenticatedSignedWrites"},
	{PropExtendedProperties, "extendedProperties"},
}

func (p Property) Has(flag Property) bool {
	return p&flag != 0
}

func (p Property) String() string {
	var names []string
	for _, pn := range propertyNames {
		if p.Has(pn.p) {
			names = append(names, pn.name)
		}
	}
	return strings.Join(names, "|")
}

// ParseProperties builds a bitmask from property names such as "read" or "notify".
func ParseProperties(names []string) (Property, error) {
	var p Property
	for _, n := range names {
		found := false
		for _, pn := range propertyNames {
			if strings.EqualFold(pn.name, n) {
				p |= pn.p
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", n)
		}
	}
	return p, nil
}

type Service struct {
	UUID string `json:"uuid"`
}

type Characteristic struct {
	ServiceUUID string   `json:"service"`
	UUID        string   `json:"uuid"`
	Properties  Property `json:"properties"`
}

// Snapshot is a copy of the observable state of the controller.
type Snapshot struct {
	Adapter     AdapterState `json:"adapter"`
	Phase       Phase        `json:"phase"`
	Screen      Screen       `json:"screen"`
	Peripherals []string     `json:"peripherals"`
	Connected   bool         `json:"connected"`
	Target      *Peripheral  `json:"target,omitempty"`
	Value       *string      `json:"value,omitempty"`
}

// Notification is a raw characteristic value pushed by the connected peripheral.
type Notification struct {
	Peripheral     PeripheralID `json:"peripheral_id"`
	Service        string       `json:"service"`
	Characteristic string       `json:"characteristic"`
	Data           []byte       `json:"-"`
	ReceivedAt     time.Time    `json:"received_at"`
}

// Hex returns the payload as lowercase hex, without decoding it.
func (n Notification) Hex() string {
	return hex.EncodeToString(n.Data)
}

func (n Notification) String() string {
	return fmt.Sprintf("<Notification %s, %s, % X>", n.Peripheral, n.Characteristic, n.Data)
}
