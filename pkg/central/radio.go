package central

// Radio is the local Bluetooth adapter as seen by the controller.
//
// Calls must not block on the remote peripheral: results are reported back
// as events through the EventSink passed to Bind.
type Radio interface {
	Bind(sink EventSink)

	// StartScan scans for peripherals advertising any of the given services.
	// A nil filter reports every peripheral.
	StartScan(serviceFilter []string) error
	StopScan() error

	Connect(id PeripheralID) error
	CancelConnection(id PeripheralID) error

	DiscoverServices(id PeripheralID) error
	DiscoverCharacteristics(id PeripheralID, service Service) error
	SetNotify(id PeripheralID, c Characteristic, enable bool) error

	Close() error
}

// EventSink receives adapter and peripheral events.
type EventSink interface {
	Post(ev Event)
}

// Event is one of the radio events below.
type Event interface {
	event() string
}

type AdapterStateChanged struct {
	State AdapterState
}

type PeripheralDiscovered struct {
	ID   PeripheralID
	Name string
	RSSI int
}

type PeripheralConnected struct {
	ID PeripheralID
}

type PeripheralConnectFailed struct {
	ID  PeripheralID
	Err error
}

type PeripheralDisconnected struct {
	ID  PeripheralID
	Err error
}

type ServicesDiscovered struct {
	ID       PeripheralID
	Services []Service
	Err      error
}

type CharacteristicsDiscovered struct {
	ID              PeripheralID
	Service         Service
	Characteristics []Characteristic
	Err             error
}

type CharacteristicValueUpdated struct {
	ID             PeripheralID
	Characteristic Characteristic
	Data           []byte
}

func (AdapterStateChanged) event() string        { return "adapter-state-changed" }
func (PeripheralDiscovered) event() string       { return "peripheral-discovered" }
func (PeripheralConnected) event() string        { return "peripheral-connected" }
func (PeripheralConnectFailed) event() string    { return "peripheral-connect-failed" }
func (PeripheralDisconnected) event() string     { return "peripheral-disconnected" }
func (ServicesDiscovered) event() string         { return "services-discovered" }
func (CharacteristicsDiscovered) event() string  { return "characteristics-discovered" }
func (CharacteristicValueUpdated) event() string { return "characteristic-value-updated" }
