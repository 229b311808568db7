//go:build linux || darwin

package radio

import (
	"fmt"
	"sync"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"
	"github.com/sirupsen/logrus"

	"ble-central/pkg/central"
)

var gattStates = map[gatt.State]central.AdapterState{
	gatt.StateUnknown:      central.AdapterUnknown,
	gatt.StateResetting:    central.AdapterResetting,
	gatt.StateUnsupported:  central.AdapterUnsupported,
	gatt.StateUnauthorized: central.AdapterUnauthorized,
	gatt.StatePoweredOff:   central.AdapterPoweredOff,
	gatt.StatePoweredOn:    central.AdapterPoweredOn,
}

var gattProperties = []struct {
	g gatt.Property
	c central.Property
}{
	{gatt.CharBroadcast, central.PropBroadcast},
	{gatt.CharRead, central.PropRead},
	{gatt.CharWriteNR, central.PropWriteWithoutResponse},
	{gatt.CharWrite, central.PropWrite},
	{gatt.CharNotify, central.PropNotify},
	{gatt.CharIndicate, central.PropIndicate},
	{gatt.CharSignedWrite, central.PropAuthenticatedSignedWrites},
	{gatt.CharExtended, central.PropExtendedProperties},
}

func toProperties(p gatt.Property) central.Property {
	var out central.Property
	for _, m := range gattProperties {
		if p&m.g != 0 {
			out |= m.c
		}
	}
	return out
}

// Gatt drives the local HCI device (Linux) or CoreBluetooth (macOS) through paypal/gatt.
type Gatt struct {
	dev gatt.Device
	log logrus.FieldLogger

	mu          sync.Mutex
	sink        central.EventSink
	closed      bool
	peripherals map[central.PeripheralID]gatt.Peripheral
	connected   map[central.PeripheralID]bool
	unwanted    map[central.PeripheralID]bool // cancelled before the link came up
	services    map[central.PeripheralID]map[string]*gatt.Service
	chars       map[charKey]*gatt.Characteristic
}

// OpenGatt opens the default device with the client options.
func OpenGatt(log logrus.FieldLogger) (central.Radio, error) {
	d, err := gatt.NewDevice(option.DefaultClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	return newGatt(d, log), nil
}

func newGatt(d gatt.Device, log logrus.FieldLogger) *Gatt {
	g := &Gatt{
		dev:         d,
		log:         log.WithField("radio", "gatt"),
		peripherals: make(map[central.PeripheralID]gatt.Peripheral),
		connected:   make(map[central.PeripheralID]bool),
		unwanted:    make(map[central.PeripheralID]bool),
		services:    make(map[central.PeripheralID]map[string]*gatt.Service),
		chars:       make(map[charKey]*gatt.Characteristic),
	}

	d.Handle(
		gatt.PeripheralDiscovered(g.onPeripheralDiscovered),
		gatt.PeripheralConnected(g.onPeripheralConnected),
		gatt.PeripheralDisconnected(g.onPeripheralDisconnected),
	)

	return g
}

func (g *Gatt) String() string {
	return "<GattRadio>"
}

// Bind registers the sink and initializes the device. State changes start flowing after this call.
func (g *Gatt) Bind(sink central.EventSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()

	if err := g.dev.Init(g.onStateChanged); err != nil {
		g.log.Errorf("Failed to init device, err: %s", err)
		g.post(central.AdapterStateChanged{State: central.AdapterUnsupported})
	}
}

func (g *Gatt) StartScan(serviceFilter []string) error {
	uuids := make([]gatt.UUID, 0, len(serviceFilter))
	for _, s := range serviceFilter {
		u, err := gatt.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("bad service filter %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}

	g.dev.Scan(uuids, false)
	return nil
}

func (g *Gatt) StopScan() error {
	g.dev.StopScanning()
	return nil
}

func (g *Gatt) Connect(id central.PeripheralID) error {
	p, err := g.peripheral(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	delete(g.unwanted, id)
	g.mu.Unlock()

	g.dev.Connect(p)
	return nil
}

// CancelConnection drops an established link. A link still being set up has
// no connection to close yet, so it is dropped once it comes up.
func (g *Gatt) CancelConnection(id central.PeripheralID) error {
	p, err := g.peripheral(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	connected := g.connected[id]
	if !connected {
		g.unwanted[id] = true
	}
	g.mu.Unlock()

	if connected {
		g.dev.CancelConnection(p)
	}
	return nil
}

func (g *Gatt) DiscoverServices(id central.PeripheralID) error {
	p, err := g.peripheral(id)
	if err != nil {
		return err
	}

	go func() {
		ss, err := p.DiscoverServices(nil)
		if err != nil {
			g.post(central.ServicesDiscovered{ID: id, Err: err})
			return
		}

		found := make(map[string]*gatt.Service, len(ss))
		services := make([]central.Service, 0, len(ss))
		for _, s := range ss {
			found[s.UUID().String()] = s
			services = append(services, central.Service{UUID: s.UUID().String()})
		}

		g.mu.Lock()
		g.services[id] = found
		g.mu.Unlock()

		g.post(central.ServicesDiscovered{ID: id, Services: services})
	}()

	return nil
}

func (g *Gatt) DiscoverCharacteristics(id central.PeripheralID, service central.Service) error {
	p, err := g.peripheral(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	s, ok := g.services[id][service.UUID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service.UUID)
	}

	go func() {
		cs, err := p.DiscoverCharacteristics(nil, s)
		if err != nil {
			g.post(central.CharacteristicsDiscovered{ID: id, Service: service, Err: err})
			return
		}

		chars := make([]central.Characteristic, 0, len(cs))
		for _, c := range cs {
			// The CCCD is needed to subscribe later on.
			if _, err := p.DiscoverDescriptors(nil, c); err != nil {
				g.log.WithField("characteristic", c.UUID().String()).Warnf("Failed to discover descriptors, err: %s", err)
			}

			ch := central.Characteristic{
				ServiceUUID: service.UUID,
				UUID:        c.UUID().String(),
				Properties:  toProperties(c.Properties()),
			}
			chars = append(chars, ch)

			g.mu.Lock()
			g.chars[keyOf(id, ch)] = c
			g.mu.Unlock()
		}

		g.post(central.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: chars})
	}()

	return nil
}

// SetNotify writes the CCCD in the background. Only lookup errors are returned.
func (g *Gatt) SetNotify(id central.PeripheralID, ch central.Characteristic, enable bool) error {
	p, err := g.peripheral(id)
	if err != nil {
		return err
	}

	g.mu.Lock()
	c, ok := g.chars[keyOf(id, ch)]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, ch.UUID)
	}

	var f func(*gatt.Characteristic, []byte, error)
	if enable {
		f = func(_ *gatt.Characteristic, b []byte, err error) {
			if err != nil {
				g.log.WithField("characteristic", ch.UUID).Warnf("Notification error: %s", err)
				return
			}
			g.post(central.CharacteristicValueUpdated{ID: id, Characteristic: ch, Data: b})
		}
	}

	go func() {
		if err := p.SetNotifyValue(c, f); err != nil {
			g.log.WithField("characteristic", ch.UUID).Errorf("Failed to subscribe characteristic, err: %s", err)
		}
	}()

	return nil
}

// Close stops scanning and shuts the device down when it supports it.
// Nothing is posted once Close has been called.
func (g *Gatt) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.sink = nil
	g.mu.Unlock()

	g.dev.StopScanning()

	if s, ok := g.dev.(interface{ Stop() error }); ok {
		return s.Stop()
	}
	return nil
}

func (g *Gatt) onStateChanged(d gatt.Device, s gatt.State) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	g.log.Infof("State: %s", s)

	st, ok := gattStates[s]
	if !ok {
		st = central.AdapterUnknown
	}
	if st != central.AdapterPoweredOn {
		d.StopScanning()
	}
	g.post(central.AdapterStateChanged{State: st})
}

func (g *Gatt) onPeripheralDiscovered(p gatt.Peripheral, a *gatt.Advertisement, rssi int) {
	id := central.PeripheralID(p.ID())

	g.mu.Lock()
	if _, ok := g.peripherals[id]; !ok {
		g.peripherals[id] = p
	}
	g.mu.Unlock()

	name := p.Name()
	if name == "" && a != nil {
		name = a.LocalName
	}

	g.post(central.PeripheralDiscovered{ID: id, Name: name, RSSI: rssi})
}

func (g *Gatt) onPeripheralConnected(p gatt.Peripheral, err error) {
	id := central.PeripheralID(p.ID())

	g.mu.Lock()
	unwanted := g.unwanted[id]
	delete(g.unwanted, id)
	if err == nil {
		// The connected handle replaces the one seen at discovery.
		g.peripherals[id] = p
		g.connected[id] = true
	}
	g.mu.Unlock()

	switch {
	case unwanted && err == nil:
		g.log.WithField("peripheral", id).Info("Dropping cancelled connection")
		g.dev.CancelConnection(p)
	case unwanted:
	case err != nil:
		g.post(central.PeripheralConnectFailed{ID: id, Err: err})
	default:
		g.post(central.PeripheralConnected{ID: id})
	}
}

func (g *Gatt) onPeripheralDisconnected(p gatt.Peripheral, err error) {
	id := central.PeripheralID(p.ID())

	g.mu.Lock()
	delete(g.connected, id)
	delete(g.services, id)
	for k := range g.chars {
		if k.id == id {
			delete(g.chars, k)
		}
	}
	g.mu.Unlock()

	g.post(central.PeripheralDisconnected{ID: id, Err: err})
}

func (g *Gatt) peripheral(id central.PeripheralID) (gatt.Peripheral, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peripherals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	return p, nil
}

func (g *Gatt) post(ev central.Event) {
	g.mu.Lock()
	sink := g.sink
	g.mu.Unlock()

	if sink != nil {
		sink.Post(ev)
	}
}
