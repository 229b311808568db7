package central

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const eventQueueSize = 256

var (
	ErrInvalidIndex = errors.New("invalid peripheral index")
	ErrNotRunning   = errors.New("controller is not running")
)

type connectRequest struct {
	index int
	reply chan error
}

// Controller mediates between a Radio and the presentation layer.
//
// Radio events and connect requests are queued on a single channel and handled
// one at a time by Run. The mutex only protects readers of the state from the
// loop, which is the single writer.
type Controller struct {
	radio Radio
	log   logrus.FieldLogger

	queue chan interface{}
	done  chan struct{}
	once  sync.Once

	mu          sync.RWMutex
	adapter     AdapterState
	phase       Phase
	scanning    bool
	peripherals []Peripheral
	known       map[PeripheralID]struct{}
	target      *Peripheral
	connected   bool
	value       *string
	subscribed  int

	states        *registry[Snapshot]
	notifications *registry[Notification]
}

// New creates a controller and registers it as the event sink of the radio.
func New(radio Radio, log logrus.FieldLogger) *Controller {
	c := &Controller{
		radio:         radio,
		log:           log.WithField("component", "central"),
		queue:         make(chan interface{}, eventQueueSize),
		done:          make(chan struct{}),
		adapter:       AdapterUnknown,
		phase:         PhaseIdle,
		known:         make(map[PeripheralID]struct{}),
		states:        &registry[Snapshot]{log: log},
		notifications: &registry[Notification]{log: log},
	}
	radio.Bind(c)
	return c
}

func (c *Controller) String() string {
	return "<Controller>"
}

// Post queues a radio event. Events posted after Run returned are dropped.
func (c *Controller) Post(ev Event) {
	select {
	case c.queue <- ev:
	case <-c.done:
	}
}

// Run handles queued events until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	defer c.once.Do(func() { close(c.done) })

	c.log.Info("Controller started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Controller stopped")
			return nil
		case msg := <-c.queue:
			c.dispatch(msg)
		}
	}
}

// ConnectByIndex connects to the peripheral at the given position of the discovered list.
func (c *Controller) ConnectByIndex(ctx context.Context, index int) error {
	req := connectRequest{index: index, reply: make(chan error, 1)}

	select {
	case c.queue <- req:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		return err
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

// Peripherals returns the discovered peripherals in discovery order.
func (c *Controller) Peripherals() []Peripheral {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Peripheral, len(c.peripherals))
	copy(out, c.peripherals)
	return out
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn runs on the event loop and must not block.
func (c *Controller) Subscribe(fn func(Snapshot)) string {
	return c.states.add(fn)
}

func (c *Controller) Unsubscribe(id string) bool {
	return c.states.remove(id)
}

// SubscribeNotifications registers fn to receive raw characteristic values.
// fn runs on the event loop and must not block.
func (c *Controller) SubscribeNotifications(fn func(Notification)) string {
	return c.notifications.add(fn)
}

func (c *Controller) UnsubscribeNotifications(id string) bool {
	return c.notifications.remove(id)
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Adapter:     c.adapter,
		Phase:       c.phase,
		Screen:      c.phase.Screen(),
		Peripherals: make([]string, len(c.peripherals)),
		Connected:   c.connected,
	}
	for i, p := range c.peripherals {
		s.Peripherals[i] = p.Name
	}
	if c.target != nil {
		t := *c.target
		s.Target = &t
	}
	if c.value != nil {
		v := *c.value
		s.Value = &v
	}
	return s
}

func (c *Controller) dispatch(msg interface{}) {
	if req, ok := msg.(connectRequest); ok {
		c.mu.Lock()
		err := c.connectByIndex(req.index)
		snap := c.snapshotLocked()
		c.mu.Unlock()

		req.reply <- err
		if err == nil {
			c.states.publish(snap)
		}
		return
	}

	ev, ok := msg.(Event)
	if !ok {
		c.log.Warnf("Dropping unknown message %T", msg)
		return
	}

	if n, ok := ev.(CharacteristicValueUpdated); ok {
		c.onValueUpdated(n)
		return
	}

	c.mu.Lock()
	changed := c.handle(ev)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.states.publish(snap)
	}
}

// handle applies a state-changing event. It reports whether observers must be told.
func (c *Controller) handle(ev Event) bool {
	switch e := ev.(type) {
	case AdapterStateChanged:
		return c.onAdapterStateChanged(e.State)
	case PeripheralDiscovered:
		return c.onPeripheralDiscovered(e)
	case PeripheralConnected:
		return c.onConnected(e.ID)
	case PeripheralConnectFailed:
		return c.onConnectionLost(e.ID, e.Err, "Failed to connect")
	case PeripheralDisconnected:
		return c.onConnectionLost(e.ID, e.Err, "Peripheral disconnected")
	case ServicesDiscovered:
		return c.onServicesDiscovered(e)
	case CharacteristicsDiscovered:
		return c.onCharacteristicsDiscovered(e)
	default:
		c.log.Warnf("Unhandled event %s", ev.event())
		return false
	}
}

func (c *Controller) onAdapterStateChanged(state AdapterState) bool {
	log := c.log.WithField("state", state)
	c.adapter = state

	if state == AdapterPoweredOn {
		if c.scanning {
			return true
		}
		if err := c.radio.StartScan(nil); err != nil {
			log.Errorf("Failed to start scan, err: %s", err)
			return true
		}
		c.scanning = true
		if c.target == nil {
			c.phase = PhaseScanning
		}
		log.Info("Scanning for peripherals...")
		return true
	}

	log.Warn("Bluetooth is not available")
	if c.scanning {
		if err := c.radio.StopScan(); err != nil {
			log.Warnf("Failed to stop scan, err: %s", err)
		}
		c.scanning = false
	}
	if state != AdapterUnknown {
		c.clearConnection()
		c.phase = PhaseUnavailable
	}
	return true
}

func (c *Controller) onPeripheralDiscovered(e PeripheralDiscovered) bool {
	log := c.log.WithField("peripheral", e.ID)

	if !c.scanning {
		log.Debug("Ignoring advertisement while not scanning")
		return false
	}
	if _, ok := c.known[e.ID]; ok {
		return false
	}

	name := e.Name
	if name == "" {
		name = UnnamedPeripheral
	}

	c.known[e.ID] = struct{}{}
	c.peripherals = append(c.peripherals, Peripheral{ID: e.ID, Name: name})
	log.WithField("rssi", e.RSSI).Infof("Discovered %s", name)
	return true
}

func (c *Controller) connectByIndex(index int) error {
	log := c.log.WithField("index", index)

	if index < 0 || index >= len(c.peripherals) {
		log.Warn("Invalid peripheral index")
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	p := c.peripherals[index]
	log = log.WithField("peripheral", p.ID)

	if c.target != nil {
		if c.target.ID == p.ID {
			log.Info("Already connecting or connected")
			return nil
		}
		if err := c.radio.CancelConnection(c.target.ID); err != nil {
			log.Warnf("Failed to cancel connection to %s, err: %s", c.target.ID, err)
		}
		c.clearConnection()
	}

	if err := c.radio.Connect(p.ID); err != nil {
		log.Errorf("Failed to connect, err: %s", err)
		c.resetPhase()
		return fmt.Errorf("connect %s: %w", p.ID, err)
	}

	c.target = &p
	c.phase = PhaseConnecting
	log.Infof("Connecting to %s", p.Name)
	return nil
}

func (c *Controller) onConnected(id PeripheralID) bool {
	log := c.log.WithField("peripheral", id)

	if c.target != nil && c.target.ID != id {
		log.Info("Dropping connection to a replaced peripheral")
		if err := c.radio.CancelConnection(id); err != nil {
			log.Warnf("Failed to cancel connection, err: %s", err)
		}
		return false
	}

	p := Peripheral{ID: id, Name: UnnamedPeripheral}
	for _, d := range c.peripherals {
		if d.ID == id {
			p = d
			break
		}
	}

	c.target = &p
	c.connected = true
	c.value = nil
	c.subscribed = 0
	c.phase = PhaseConnected
	log.Infof("Connected to peripheral: %s", p.Name)

	if err := c.radio.DiscoverServices(id); err != nil {
		log.Errorf("Failed to discover services, err: %s", err)
	}
	return true
}

func (c *Controller) onConnectionLost(id PeripheralID, err error, msg string) bool {
	log := c.log.WithField("peripheral", id)
	if err != nil {
		log = log.WithError(err)
	}

	if c.target == nil || c.target.ID != id {
		log.Debugf("%s (not the current target)", msg)
		return false
	}

	log.Warn(msg)
	c.clearConnection()
	c.resetPhase()
	return true
}

func (c *Controller) onServicesDiscovered(e ServicesDiscovered) bool {
	log := c.log.WithField("peripheral", e.ID)

	if !c.isCurrent(e.ID) {
		log.Debug("Ignoring services of a stale peripheral")
		return false
	}
	if e.Err != nil {
		log.Errorf("Failed to discover services, err: %s", e.Err)
		return false
	}

	c.phase = PhaseServicesDiscovered
	for _, s := range e.Services {
		if err := c.radio.DiscoverCharacteristics(e.ID, s); err != nil {
			log.WithField("service", s.UUID).Errorf("Failed to discover characteristics, err: %s", err)
		}
	}
	return true
}

func (c *Controller) onCharacteristicsDiscovered(e CharacteristicsDiscovered) bool {
	log := c.log.WithFields(logrus.Fields{"peripheral": e.ID, "service": e.Service.UUID})

	if !c.isCurrent(e.ID) {
		log.Debug("Ignoring characteristics of a stale peripheral")
		return false
	}
	if e.Err != nil {
		log.Errorf("Failed to discover characteristics, err: %s", e.Err)
		return false
	}

	matched := 0
	for _, ch := range e.Characteristics {
		if !ch.Properties.Has(PropNotify) {
			continue
		}
		matched++
		if err := c.radio.SetNotify(e.ID, ch, true); err != nil {
			log.WithField("characteristic", ch.UUID).Errorf("Failed to subscribe characteristic, err: %s", err)
			continue
		}
		c.subscribed++
		log.WithField("characteristic", ch.UUID).Info("Subscribed")
	}

	if matched == 0 {
		v := NotFoundValue
		c.value = &v
		log.Info("No notify characteristic found")
	}

	if c.subscribed > 0 {
		c.phase = PhaseSubscribed
	} else {
		c.phase = PhaseNotFound
	}
	return true
}

// onValueUpdated dumps the payload byte by byte and hands it to notification observers.
// The payload is not decoded.
func (c *Controller) onValueUpdated(e CharacteristicValueUpdated) {
	log := c.log.WithFields(logrus.Fields{"peripheral": e.ID, "characteristic": e.Characteristic.UUID})

	if !c.isCurrentLocked(e.ID) {
		log.Debug("Ignoring notification of a stale peripheral")
		return
	}

	log.Debugf("notified: % X", e.Data)
	for i, b := range e.Data {
		log.Infof("%d: %d", i, b)
	}

	data := make([]byte, len(e.Data))
	copy(data, e.Data)
	c.notifications.publish(Notification{
		Peripheral:     e.ID,
		Service:        e.Characteristic.ServiceUUID,
		Characteristic: e.Characteristic.UUID,
		Data:           data,
		ReceivedAt:     time.Now(),
	})
}

func (c *Controller) isCurrent(id PeripheralID) bool {
	return c.target != nil && c.target.ID == id && c.connected
}

func (c *Controller) isCurrentLocked(id PeripheralID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCurrent(id)
}

func (c *Controller) clearConnection() {
	c.target = nil
	c.connected = false
	c.value = nil
	c.subscribed = 0
}

// resetPhase returns to discovery, or to unavailable when the adapter is off.
func (c *Controller) resetPhase() {
	switch {
	case c.scanning:
		c.phase = PhaseScanning
	case c.adapter == AdapterUnknown:
		c.phase = PhaseIdle
	default:
		c.phase = PhaseUnavailable
	}
}
