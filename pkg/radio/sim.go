package radio

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ble-central/pkg/central"
	"ble-central/pkg/config"
)

const defaultNotifyInterval = time.Second

type simCharacteristic struct {
	central.Characteristic
	interval time.Duration
	payload  []byte
}

type simPeripheral struct {
	id       central.PeripheralID
	name     string
	rssi     int
	services []central.Service
	chars    map[string][]simCharacteristic // by service uuid
}

// Sim is a scripted adapter built from the sim section of the config.
// It answers every request from its own goroutines, like a real stack would.
type Sim struct {
	log          logrus.FieldLogger
	powerOnDelay time.Duration
	powerState   central.AdapterState
	order        []central.PeripheralID
	peripherals  map[central.PeripheralID]*simPeripheral

	mu        sync.Mutex
	sink      central.EventSink
	state     central.AdapterState
	scanning  bool
	pending   map[central.PeripheralID]bool
	connected map[central.PeripheralID]bool
	notifiers map[charKey]chan struct{}
	stop      chan struct{}
	closed    bool
	wg        sync.WaitGroup
}

func NewSim(cfg *config.SimConfig, log logrus.FieldLogger) (*Sim, error) {
	powerState, err := central.ParseAdapterState(cfg.PowerState)
	if err != nil {
		return nil, err
	}

	s := &Sim{
		log:          log.WithField("radio", "sim"),
		powerOnDelay: cfg.PowerOnDelay,
		powerState:   powerState,
		peripherals:  make(map[central.PeripheralID]*simPeripheral),
		state:        central.AdapterUnknown,
		pending:      make(map[central.PeripheralID]bool),
		connected:    make(map[central.PeripheralID]bool),
		notifiers:    make(map[charKey]chan struct{}),
		stop:         make(chan struct{}),
	}

	for _, p := range cfg.Peripherals {
		sp := &simPeripheral{
			id:    central.PeripheralID(p.ID),
			name:  p.Name,
			rssi:  p.RSSI,
			chars: make(map[string][]simCharacteristic),
		}

		for _, svc := range p.Services {
			sp.services = append(sp.services, central.Service{UUID: svc.UUID})

			for _, c := range svc.Characteristics {
				props, err := central.ParseProperties(c.Properties)
				if err != nil {
					return nil, fmt.Errorf("sim peripheral %s: %w", p.ID, err)
				}
				payload, err := hex.DecodeString(c.Payload)
				if err != nil {
					return nil, fmt.Errorf("sim peripheral %s: bad payload for %s: %w", p.ID, c.UUID, err)
				}
				interval := c.Interval
				if interval <= 0 {
					interval = defaultNotifyInterval
				}

				sp.chars[svc.UUID] = append(sp.chars[svc.UUID], simCharacteristic{
					Characteristic: central.Characteristic{
						ServiceUUID: svc.UUID,
						UUID:        c.UUID,
						Properties:  props,
					},
					interval: interval,
					payload:  payload,
				})
			}
		}

		s.order = append(s.order, sp.id)
		s.peripherals[sp.id] = sp
	}

	return s, nil
}

func (s *Sim) String() string {
	return "<SimRadio>"
}

// Bind registers the sink and reports the configured power state after the power-on delay.
func (s *Sim) Bind(sink central.EventSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()

	s.spawn(func() {
		select {
		case <-time.After(s.powerOnDelay):
		case <-s.stop:
			return
		}

		s.mu.Lock()
		s.state = s.powerState
		s.mu.Unlock()

		s.log.Infof("State: %s", s.powerState)
		s.post(central.AdapterStateChanged{State: s.powerState})
	})
}

func (s *Sim) StartScan(serviceFilter []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.state != central.AdapterPoweredOn {
		return fmt.Errorf("cannot scan while %s", s.state)
	}
	s.scanning = true

	var found []central.PeripheralDiscovered
	for _, id := range s.order {
		p := s.peripherals[id]
		if !advertises(p, serviceFilter) {
			continue
		}
		found = append(found, central.PeripheralDiscovered{ID: p.id, Name: p.name, RSSI: p.rssi})
	}

	s.spawnLocked(func() {
		for _, ev := range found {
			s.post(ev)
		}
	})
	return nil
}

func (s *Sim) StopScan() error {
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	return nil
}

func (s *Sim) Connect(id central.PeripheralID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.peripherals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	s.pending[id] = true

	s.spawnLocked(func() {
		s.mu.Lock()
		wanted := s.pending[id]
		delete(s.pending, id)
		if wanted {
			s.connected[id] = true
		}
		s.mu.Unlock()

		if wanted {
			s.post(central.PeripheralConnected{ID: id})
		}
	})
	return nil
}

func (s *Sim) CancelConnection(id central.PeripheralID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.peripherals[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	wasConnected := s.connected[id]
	delete(s.pending, id)
	delete(s.connected, id)
	for k, stop := range s.notifiers {
		if k.id == id {
			close(stop)
			delete(s.notifiers, k)
		}
	}

	if wasConnected {
		s.spawnLocked(func() {
			s.post(central.PeripheralDisconnected{ID: id})
		})
	}
	return nil
}

func (s *Sim) DiscoverServices(id central.PeripheralID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.connectedLocked(id)
	if err != nil {
		return err
	}

	services := append([]central.Service(nil), p.services...)
	s.spawnLocked(func() {
		s.post(central.ServicesDiscovered{ID: id, Services: services})
	})
	return nil
}

func (s *Sim) DiscoverCharacteristics(id central.PeripheralID, service central.Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.connectedLocked(id)
	if err != nil {
		return err
	}

	sc, ok := p.chars[service.UUID]
	if !ok && !hasService(p, service.UUID) {
		return fmt.Errorf("%w: %s", ErrUnknownService, service.UUID)
	}

	chars := make([]central.Characteristic, len(sc))
	for i, c := range sc {
		chars[i] = c.Characteristic
	}
	s.spawnLocked(func() {
		s.post(central.CharacteristicsDiscovered{ID: id, Service: service, Characteristics: chars})
	})
	return nil
}

// SetNotify starts or stops the periodic notifications of a characteristic.
func (s *Sim) SetNotify(id central.PeripheralID, ch central.Characteristic, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.connectedLocked(id)
	if err != nil {
		return err
	}

	var sc *simCharacteristic
	for i := range p.chars[ch.ServiceUUID] {
		if p.chars[ch.ServiceUUID][i].UUID == ch.UUID {
			sc = &p.chars[ch.ServiceUUID][i]
			break
		}
	}
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCharacteristic, ch.UUID)
	}
	if !sc.Properties.Has(central.PropNotify) {
		return fmt.Errorf("characteristic %s does not support notifications", ch.UUID)
	}

	k := keyOf(id, ch)
	if stop, ok := s.notifiers[k]; ok {
		close(stop)
		delete(s.notifiers, k)
	}
	if !enable {
		return nil
	}

	stop := make(chan struct{})
	s.notifiers[k] = stop
	c := sc.Characteristic
	payload := sc.payload
	interval := sc.interval

	s.spawnLocked(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				data := append([]byte(nil), payload...)
				s.post(central.CharacteristicValueUpdated{ID: id, Characteristic: c, Data: data})
			case <-stop:
				return
			case <-s.stop:
				return
			}
		}
	})
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *Sim) connectedLocked(id central.PeripheralID) (*simPeripheral, error) {
	p, ok := s.peripherals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	if !s.connected[id] {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return p, nil
}

func (s *Sim) spawn(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(f)
}

func (s *Sim) spawnLocked(f func()) {
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f()
	}()
}

// post must be called without s.mu held: the sink may block.
func (s *Sim) post(ev central.Event) {
	s.mu.Lock()
	sink := s.sink
	closed := s.closed
	s.mu.Unlock()

	if sink != nil && !closed {
		sink.Post(ev)
	}
}

func advertises(p *simPeripheral, filter []string) bool {
	if filter == nil {
		return true
	}
	for _, f := range filter {
		if hasService(p, f) {
			return true
		}
	}
	return false
}

func hasService(p *simPeripheral, uuid string) bool {
	for _, s := range p.services {
		if s.UUID == uuid {
			return true
		}
	}
	return false
}
