package central

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) (*Controller, *fakeRadio, *logtest.Hook) {
	t.Helper()
	log, hook := logtest.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	r := newFakeRadio()
	c := New(r, log)
	require.Same(t, c, r.sink)
	return c, r, hook
}

// connect runs a connect request through the loop body without starting Run.
func connect(c *Controller, index int) error {
	req := connectRequest{index: index, reply: make(chan error, 1)}
	c.dispatch(req)
	return <-req.reply
}

func poweredOnWith(t *testing.T, names ...string) (*Controller, *fakeRadio, *logtest.Hook) {
	t.Helper()
	c, r, hook := newTestController(t)
	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})
	for i, n := range names {
		c.dispatch(PeripheralDiscovered{ID: PeripheralID(string(rune('a' + i))), Name: n, RSSI: -50})
	}
	return c, r, hook
}

func connectedTo(t *testing.T, c *Controller, index int) PeripheralID {
	t.Helper()
	require.NoError(t, connect(c, index))
	id := c.Peripherals()[index].ID
	c.dispatch(PeripheralConnected{ID: id})
	return id
}

func TestInitialState(t *testing.T) {
	c, r, _ := newTestController(t)

	s := c.Snapshot()
	assert.Equal(t, AdapterUnknown, s.Adapter)
	assert.Equal(t, PhaseIdle, s.Phase)
	assert.Equal(t, ScreenList, s.Screen)
	assert.Empty(t, s.Peripherals)
	assert.False(t, s.Connected)
	assert.Nil(t, s.Target)
	assert.Nil(t, s.Value)
	assert.Empty(t, r.scans)
}

func TestPoweredOnStartsUnfilteredScan(t *testing.T) {
	c, r, _ := newTestController(t)

	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})

	require.Len(t, r.scans, 1)
	assert.Nil(t, r.scans[0])
	assert.Equal(t, PhaseScanning, c.Snapshot().Phase)

	// a repeated power-on does not start a second scan
	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})
	assert.Len(t, r.scans, 1)
}

func TestAdapterUnavailable(t *testing.T) {
	for _, st := range []AdapterState{AdapterPoweredOff, AdapterUnauthorized, AdapterUnsupported, AdapterResetting} {
		t.Run(st.String(), func(t *testing.T) {
			c, r, hook := newTestController(t)

			c.dispatch(AdapterStateChanged{State: st})
			c.dispatch(PeripheralDiscovered{ID: "x", Name: "Ghost"})

			assert.Empty(t, r.scans)
			assert.Zero(t, r.stopScans)
			s := c.Snapshot()
			assert.Empty(t, s.Peripherals)
			assert.Equal(t, PhaseUnavailable, s.Phase)
			assert.Equal(t, st, s.Adapter)

			var warned bool
			for _, e := range hook.AllEntries() {
				if e.Message == "Bluetooth is not available" {
					warned = true
				}
			}
			assert.True(t, warned)
		})
	}
}

func TestScanErrorIsNotRetried(t *testing.T) {
	c, r, _ := newTestController(t)
	r.scanErr = errors.New("busy")

	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})
	c.dispatch(PeripheralDiscovered{ID: "x", Name: "Ghost"})

	assert.Empty(t, r.scans)
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Empty(t, c.Peripherals())
}

func TestDiscoveryDedupAndNames(t *testing.T) {
	c, _, _ := newTestController(t)
	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})

	c.dispatch(PeripheralDiscovered{ID: "p1", Name: "Thermo", RSSI: -40})
	c.dispatch(PeripheralDiscovered{ID: "p2", Name: "", RSSI: -90})
	c.dispatch(PeripheralDiscovered{ID: "p1", Name: "Renamed", RSSI: -30})
	c.dispatch(PeripheralDiscovered{ID: "p1", Name: "Thermo", RSSI: -20})
	c.dispatch(PeripheralDiscovered{ID: "p3", Name: "Band", RSSI: -100})

	assert.Equal(t, []Peripheral{
		{ID: "p1", Name: "Thermo"},
		{ID: "p2", Name: UnnamedPeripheral},
		{ID: "p3", Name: "Band"},
	}, c.Peripherals())
	assert.Equal(t, []string{"Thermo", "Unnamed", "Band"}, c.Snapshot().Peripherals)
}

func TestConnectByIndexOutOfRange(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")
	before := c.Snapshot()

	for _, i := range []int{-1, 2, 100} {
		err := connect(c, i)
		assert.ErrorIs(t, err, ErrInvalidIndex)
	}

	assert.Equal(t, before, c.Snapshot())
	assert.Empty(t, r.connects)
}

func TestConnectByIndexMovesToConnecting(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")

	require.NoError(t, connect(c, 1))

	assert.Equal(t, []PeripheralID{"b"}, r.connects)
	s := c.Snapshot()
	assert.Equal(t, PhaseConnecting, s.Phase)
	assert.Equal(t, ScreenConnecting, s.Screen)
	assert.False(t, s.Connected)
	require.NotNil(t, s.Target)
	assert.Equal(t, PeripheralID("b"), s.Target.ID)
}

func TestConnectRadioErrorKeepsDiscovery(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	r.connectErr = errors.New("no route")

	err := connect(c, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidIndex)

	s := c.Snapshot()
	assert.Equal(t, PhaseScanning, s.Phase)
	assert.Nil(t, s.Target)
}

func TestConnectReplacesPendingTarget(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")

	require.NoError(t, connect(c, 0))
	require.NoError(t, connect(c, 1))

	assert.Equal(t, []PeripheralID{"a", "b"}, r.connects)
	assert.Equal(t, []PeripheralID{"a"}, r.cancels)
	assert.Equal(t, PeripheralID("b"), c.Snapshot().Target.ID)
}

func TestLateConnectOfReplacedTargetIsDropped(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")

	require.NoError(t, connect(c, 0))
	require.NoError(t, connect(c, 1))

	c.dispatch(PeripheralConnected{ID: "a"})

	s := c.Snapshot()
	assert.False(t, s.Connected)
	assert.Equal(t, PhaseConnecting, s.Phase)
	require.NotNil(t, s.Target)
	assert.Equal(t, Peripheral{ID: "b", Name: "B"}, *s.Target)
	assert.Empty(t, r.serviceRequests)
	assert.Equal(t, []PeripheralID{"a", "a"}, r.cancels)

	c.dispatch(PeripheralConnected{ID: "b"})

	s = c.Snapshot()
	assert.True(t, s.Connected)
	assert.Equal(t, PeripheralID("b"), s.Target.ID)
	assert.Equal(t, []PeripheralID{"b"}, r.serviceRequests)
}

func TestConnectSameTargetTwiceIsSingleRequest(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")

	require.NoError(t, connect(c, 0))
	require.NoError(t, connect(c, 0))

	assert.Equal(t, []PeripheralID{"a"}, r.connects)
	assert.Empty(t, r.cancels)
}

func TestOnConnected(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")
	require.NoError(t, connect(c, 0))

	c.dispatch(PeripheralConnected{ID: "a"})

	s := c.Snapshot()
	assert.True(t, s.Connected)
	require.NotNil(t, s.Target)
	assert.Equal(t, Peripheral{ID: "a", Name: "A"}, *s.Target)
	assert.Equal(t, PhaseConnected, s.Phase)
	assert.Equal(t, ScreenConnected, s.Screen)
	assert.Equal(t, []PeripheralID{"a"}, r.serviceRequests)
}

func TestOnConnectedRecordsPassedPeripheral(t *testing.T) {
	c, _, _ := poweredOnWith(t, "A")

	c.dispatch(PeripheralConnected{ID: "zz"})

	s := c.Snapshot()
	assert.True(t, s.Connected)
	assert.Equal(t, Peripheral{ID: "zz", Name: UnnamedPeripheral}, *s.Target)
}

func TestServicesDiscoveredRequestsEveryService(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)

	services := []Service{{UUID: "180a"}, {UUID: "180f"}, {UUID: "fff0"}}
	c.dispatch(ServicesDiscovered{ID: id, Services: services})

	assert.Equal(t, services, r.charRequests)
	assert.Equal(t, PhaseServicesDiscovered, c.Snapshot().Phase)
}

func TestServicesDiscoveryErrorIsLogged(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)

	c.dispatch(ServicesDiscovered{ID: id, Err: errors.New("gatt timeout")})

	assert.Empty(t, r.charRequests)
	assert.Equal(t, PhaseConnected, c.Snapshot().Phase)
}

func TestCharacteristicsSubscribeEveryNotify(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)

	svc := Service{UUID: "fff0"}
	chars := []Characteristic{
		{ServiceUUID: "fff0", UUID: "fff1", Properties: PropRead},
		{ServiceUUID: "fff0", UUID: "fff2", Properties: PropRead | PropNotify},
		{ServiceUUID: "fff0", UUID: "fff3", Properties: PropIndicate},
		{ServiceUUID: "fff0", UUID: "fff4", Properties: PropNotify | PropWrite},
	}
	c.dispatch(CharacteristicsDiscovered{ID: id, Service: svc, Characteristics: chars})

	require.Len(t, r.notifies, 2)
	assert.Equal(t, "fff2", r.notifies[0].Characteristic.UUID)
	assert.Equal(t, "fff4", r.notifies[1].Characteristic.UUID)
	for _, n := range r.notifies {
		assert.True(t, n.Enable)
		assert.Equal(t, id, n.ID)
	}

	s := c.Snapshot()
	assert.Equal(t, PhaseSubscribed, s.Phase)
	assert.Nil(t, s.Value)
}

func TestCharacteristicsWithoutNotify(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)

	c.dispatch(CharacteristicsDiscovered{
		ID:      id,
		Service: Service{UUID: "180a"},
		Characteristics: []Characteristic{
			{UUID: "2a29", Properties: PropRead},
			{UUID: "2a24", Properties: PropRead | PropIndicate},
		},
	})

	assert.Empty(t, r.notifies)
	s := c.Snapshot()
	require.NotNil(t, s.Value)
	assert.Equal(t, NotFoundValue, *s.Value)
	assert.Equal(t, PhaseNotFound, s.Phase)
}

func TestSubscribeFailureStillCountsAsMatch(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)
	r.notifyErr["fff1"] = errors.New("cccd write rejected")

	c.dispatch(CharacteristicsDiscovered{
		ID:              id,
		Service:         Service{UUID: "fff0"},
		Characteristics: []Characteristic{{UUID: "fff1", Properties: PropNotify}},
	})

	s := c.Snapshot()
	assert.Nil(t, s.Value)
	assert.Equal(t, PhaseNotFound, s.Phase)
}

func TestStaleDiscoveryEventsIgnored(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A", "B")
	connectedTo(t, c, 0)

	c.dispatch(ServicesDiscovered{ID: "b", Services: []Service{{UUID: "1"}}})
	c.dispatch(CharacteristicsDiscovered{ID: "b", Characteristics: []Characteristic{{UUID: "2", Properties: PropNotify}}})

	assert.Empty(t, r.charRequests)
	assert.Empty(t, r.notifies)
}

func TestValueUpdatedDumpsBytes(t *testing.T) {
	c, _, hook := poweredOnWith(t, "A")
	id := connectedTo(t, c, 0)

	var got []Notification
	c.SubscribeNotifications(func(n Notification) { got = append(got, n) })
	before := c.Snapshot()
	hook.Reset()

	ch := Characteristic{ServiceUUID: "180d", UUID: "2a37", Properties: PropNotify}
	payload := []byte{0x06, 0x48, 0xff}
	c.dispatch(CharacteristicValueUpdated{ID: id, Characteristic: ch, Data: payload})
	payload[0] = 0 // the controller keeps its own copy

	var dumped []string
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.InfoLevel {
			dumped = append(dumped, e.Message)
		}
	}
	assert.Equal(t, []string{"0: 6", "1: 72", "2: 255"}, dumped)

	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x06, 0x48, 0xff}, got[0].Data)
	assert.Equal(t, "0648ff", got[0].Hex())
	assert.Equal(t, "2a37", got[0].Characteristic)
	assert.Equal(t, "180d", got[0].Service)

	// the value field is not touched by notifications
	assert.Equal(t, before, c.Snapshot())
}

func TestDisconnectReturnsToDiscovery(t *testing.T) {
	c, _, _ := poweredOnWith(t, "A", "B")
	id := connectedTo(t, c, 0)

	c.dispatch(PeripheralDisconnected{ID: "b"})
	assert.True(t, c.Snapshot().Connected)

	c.dispatch(PeripheralDisconnected{ID: id, Err: errors.New("link loss")})

	s := c.Snapshot()
	assert.False(t, s.Connected)
	assert.Nil(t, s.Target)
	assert.Equal(t, PhaseScanning, s.Phase)
	assert.Equal(t, ScreenList, s.Screen)
	assert.Len(t, s.Peripherals, 2)
}

func TestConnectFailedReturnsToDiscovery(t *testing.T) {
	c, _, _ := poweredOnWith(t, "A")
	require.NoError(t, connect(c, 0))

	c.dispatch(PeripheralConnectFailed{ID: "a", Err: errors.New("timeout")})

	s := c.Snapshot()
	assert.Nil(t, s.Target)
	assert.Equal(t, PhaseScanning, s.Phase)
	assert.Equal(t, ScreenList, s.Screen)
}

func TestPowerLossDropsConnection(t *testing.T) {
	c, r, _ := poweredOnWith(t, "A")
	connectedTo(t, c, 0)

	c.dispatch(AdapterStateChanged{State: AdapterPoweredOff})
	assert.Equal(t, 1, r.stopScans)

	s := c.Snapshot()
	assert.False(t, s.Connected)
	assert.Equal(t, PhaseUnavailable, s.Phase)
	assert.Equal(t, ScreenList, s.Screen)
}

func TestObserversReceiveSnapshots(t *testing.T) {
	c, _, _ := newTestController(t)

	var snaps []Snapshot
	id := c.Subscribe(func(s Snapshot) { snaps = append(snaps, s) })
	c.Subscribe(func(Snapshot) { panic("bad observer") })

	c.dispatch(AdapterStateChanged{State: AdapterPoweredOn})
	c.dispatch(PeripheralDiscovered{ID: "p1", Name: "A"})
	c.dispatch(PeripheralDiscovered{ID: "p1", Name: "A"})
	require.NoError(t, connect(c, 0))

	require.Len(t, snaps, 3)
	assert.Equal(t, PhaseScanning, snaps[0].Phase)
	assert.Equal(t, []string{"A"}, snaps[1].Peripherals)
	assert.Equal(t, ScreenConnecting, snaps[2].Screen)

	assert.True(t, c.Unsubscribe(id))
	assert.False(t, c.Unsubscribe(id))
	c.dispatch(PeripheralDiscovered{ID: "p2", Name: "B"})
	assert.Len(t, snaps, 3)
}

func TestRunSerializesConnectRequests(t *testing.T) {
	c, r, _ := newTestController(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	c.Post(AdapterStateChanged{State: AdapterPoweredOn})
	c.Post(PeripheralDiscovered{ID: "p1", Name: "A"})

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()
	assert.ErrorIs(t, c.ConnectByIndex(reqCtx, 5), ErrInvalidIndex)
	require.NoError(t, c.ConnectByIndex(reqCtx, 0))
	assert.Equal(t, []PeripheralID{"p1"}, r.connectCalls())

	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, c.ConnectByIndex(context.Background(), 0), ErrNotRunning)
	// posting after shutdown must not block
	c.Post(PeripheralDiscovered{ID: "p2"})
}

func TestParseHelpers(t *testing.T) {
	st, err := ParseAdapterState("POWEREDON")
	require.NoError(t, err)
	assert.Equal(t, AdapterPoweredOn, st)

	_, err = ParseAdapterState("melted")
	assert.Error(t, err)

	p, err := ParseProperties([]string{"read", "Notify"})
	require.NoError(t, err)
	assert.True(t, p.Has(PropNotify))
	assert.True(t, p.Has(PropRead))
	assert.False(t, p.Has(PropWrite))
	assert.Equal(t, "read|notify", p.String())

	_, err = ParseProperties([]string{"teleport"})
	assert.Error(t, err)
}
