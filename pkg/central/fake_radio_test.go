package central

import (
	"sync"
)

type notifyCall struct {
	ID             PeripheralID
	Characteristic Characteristic
	Enable         bool
}

// fakeRadio records every call made by the controller.
type fakeRadio struct {
	mu sync.Mutex

	sink EventSink

	scans           [][]string
	stopScans       int
	connects        []PeripheralID
	cancels         []PeripheralID
	serviceRequests []PeripheralID
	charRequests    []Service
	notifies        []notifyCall

	scanErr    error
	connectErr error
	notifyErr  map[string]error
	closed     bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{notifyErr: make(map[string]error)}
}

func (r *fakeRadio) Bind(sink EventSink) { r.sink = sink }

func (r *fakeRadio) StartScan(filter []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanErr != nil {
		return r.scanErr
	}
	r.scans = append(r.scans, filter)
	return nil
}

func (r *fakeRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopScans++
	return nil
}

func (r *fakeRadio) Connect(id PeripheralID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connectErr != nil {
		return r.connectErr
	}
	r.connects = append(r.connects, id)
	return nil
}

func (r *fakeRadio) CancelConnection(id PeripheralID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels = append(r.cancels, id)
	return nil
}

func (r *fakeRadio) DiscoverServices(id PeripheralID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceRequests = append(r.serviceRequests, id)
	return nil
}

func (r *fakeRadio) DiscoverCharacteristics(id PeripheralID, s Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.charRequests = append(r.charRequests, s)
	return nil
}

func (r *fakeRadio) SetNotify(id PeripheralID, c Characteristic, enable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.notifyErr[c.UUID]; err != nil {
		return err
	}
	r.notifies = append(r.notifies, notifyCall{ID: id, Characteristic: c, Enable: enable})
	return nil
}

func (r *fakeRadio) Close() error {
	r.closed = true
	return nil
}

func (r *fakeRadio) connectCalls() []PeripheralID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeripheralID(nil), r.connects...)
}
