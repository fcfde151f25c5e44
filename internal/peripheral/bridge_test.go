//go:build test

package peripheral_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/device"
	"github.com/srg/desklink/internal/peripheral"
	"github.com/srg/desklink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var (
	testService = device.MustParseUUID("99fa0001-338a-1024-8a49-009c0215f78a")
	charA       = &ble.Characteristic{UUID: device.MustParseUUID("99fa0021-338a-1024-8a49-009c0215f78a")}
	charB       = &ble.Characteristic{UUID: device.MustParseUUID("99fa0002-338a-1024-8a49-009c0215f78a")}
	desk        = device.Peripheral{ID: "11:22:33:44:55:66", Name: "Desk"}
)

type result[T any] struct {
	v   T
	err error
}

type BridgeTestSuite struct {
	suite.Suite
	logger  *logrus.Logger
	central *testutils.FakeCentral
	bridge  *peripheral.Bridge
	cancel  context.CancelFunc
	timeout time.Duration
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (s *BridgeTestSuite) SetupSuite() {
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.timeout = 2 * time.Second
}

func (s *BridgeTestSuite) SetupTest() {
	s.central = testutils.NewFakeCentral()
	s.bridge = peripheral.New(s.central, peripheral.Options{Service: testService}, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.bridge.Run(ctx)
}

func (s *BridgeTestSuite) TearDownTest() {
	s.cancel()
}

// connect runs scan + connect against an auto-answering central
func (s *BridgeTestSuite) connect() {
	s.central.SetResponder(func(r testutils.Request) {
		switch r.Op {
		case testutils.OpScan:
			s.central.Emit(device.Event{Kind: device.EventDiscovered, Peripheral: desk})
		case testutils.OpConnect:
			s.central.Emit(device.Event{Kind: device.EventConnected, Tag: r.Tag, Peripheral: r.Peripheral})
		}
	})
	found := make(chan struct{}, 1)
	s.bridge.OnDiscovered(func(device.Peripheral) { found <- struct{}{} })

	s.Require().NoError(s.bridge.FindPeripheral())
	select {
	case <-found:
	case <-time.After(s.timeout):
		s.FailNow("peripheral not discovered")
	}
	s.Require().NoError(s.bridge.Connect(context.Background()))
	s.Require().True(s.bridge.Connected())
	s.central.SetResponder(nil)
}

// lastRequest waits for the nth request of op and returns it
func (s *BridgeTestSuite) lastRequest(op string, n int) testutils.Request {
	reqs, ok := s.central.WaitForRequests(op, n, s.timeout)
	s.Require().True(ok, "expected %d %s requests, got %d", n, op, len(reqs))
	return reqs[n-1]
}

func (s *BridgeTestSuite) expectPending(ch <-chan result[[]byte]) {
	select {
	case r := <-ch:
		s.FailNow("operation resolved early", "value=%v err=%v", r.v, r.err)
	case <-time.After(20 * time.Millisecond):
	}
}

func (s *BridgeTestSuite) await(ch <-chan result[[]byte]) result[[]byte] {
	select {
	case r := <-ch:
		return r
	case <-time.After(s.timeout):
		s.FailNow("operation never resolved")
		return result[[]byte]{}
	}
}

func (s *BridgeTestSuite) read(c *ble.Characteristic) <-chan result[[]byte] {
	ch := make(chan result[[]byte], 1)
	go func() {
		v, err := s.bridge.ReadValue(context.Background(), c)
		ch <- result[[]byte]{v, err}
	}()
	return ch
}

func (s *BridgeTestSuite) write(c *ble.Characteristic, data []byte) <-chan result[[]byte] {
	ch := make(chan result[[]byte], 1)
	go func() {
		err := s.bridge.WriteValue(context.Background(), data, c)
		ch <- result[[]byte]{nil, err}
	}()
	return ch
}

// GOAL: Verify lookups require a powered radio and a single scan
//
// TEST SCENARIO: radio off -> RadioNotReady; scan active -> RadioNotReady
func (s *BridgeTestSuite) TestFindPeripheralRequiresRadio() {
	s.central.SetRadio(device.RadioPoweredOff)
	err := s.bridge.FindPeripheral()
	s.True(errors.Is(err, device.ErrRadioNotReady), "got %v", err)

	s.central.SetRadio(device.RadioPoweredOn)
	s.Require().NoError(s.bridge.FindPeripheral())
	err = s.bridge.FindPeripheral()
	s.True(errors.Is(err, device.ErrRadioNotReady), "second scan: %v", err)
	s.Equal(1, s.central.CountOf(testutils.OpScan))
}

// GOAL: Verify a scan reports only the first match and then stops
//
// TEST SCENARIO: two discoveries -> handler called once -> StopScan issued
func (s *BridgeTestSuite) TestScanReportsFirstMatch() {
	var calls atomic.Int32
	s.bridge.OnDiscovered(func(device.Peripheral) { calls.Add(1) })

	s.Require().NoError(s.bridge.FindPeripheral())
	scan := s.lastRequest(testutils.OpScan, 1)
	s.True(scan.Filter[0].Equal(testService))

	s.central.Emit(device.Event{Kind: device.EventDiscovered, Peripheral: desk})
	s.central.Emit(device.Event{Kind: device.EventDiscovered, Peripheral: device.Peripheral{ID: "other"}})

	s.lastRequest(testutils.OpStopScan, 1)
	s.Eventually(func() bool { return calls.Load() == 1 }, s.timeout, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	s.Equal(int32(1), calls.Load())

	target, ok := s.bridge.Target()
	s.True(ok)
	s.Equal(desk.ID, target.ID)
}

// GOAL: Verify a bound identity is retrieved without scanning
//
// TEST SCENARIO: Bind + known peripheral -> handler called before FindPeripheral returns
func (s *BridgeTestSuite) TestBoundIdentityIsRetrieved() {
	s.central.AddKnown(desk)
	s.bridge.Bind(desk.ID)

	var got device.Peripheral
	s.bridge.OnDiscovered(func(p device.Peripheral) { got = p })

	s.Require().NoError(s.bridge.FindPeripheral())
	s.Equal(desk.ID, got.ID, "discovery is reported synchronously")
	s.Equal(0, s.central.CountOf(testutils.OpScan))
}

// GOAL: Verify connect outcomes
//
// TEST SCENARIO: failing connect -> ConnectFailed wrapping the platform error; success -> no-op on repeat
func (s *BridgeTestSuite) TestConnect() {
	s.central.AddKnown(desk)
	s.bridge.Bind(desk.ID)
	s.Require().NoError(s.bridge.FindPeripheral())

	platformErr := errors.New("le-connection-abort")
	done := make(chan error, 1)
	go func() { done <- s.bridge.Connect(context.Background()) }()
	req := s.lastRequest(testutils.OpConnect, 1)
	s.central.Emit(device.Event{Kind: device.EventConnectFailed, Tag: req.Tag, Err: platformErr})

	err := <-done
	s.True(errors.Is(err, device.ErrConnectFailed), "got %v", err)
	s.True(errors.Is(err, platformErr), "platform error is preserved")
	s.False(s.bridge.Connected())

	go func() { done <- s.bridge.Connect(context.Background()) }()
	req = s.lastRequest(testutils.OpConnect, 2)
	s.central.Emit(device.Event{Kind: device.EventConnected, Tag: req.Tag})
	s.Require().NoError(<-done)
	s.Equal(uint64(1), s.bridge.Session())

	s.NoError(s.bridge.Connect(context.Background()))
	s.Equal(2, s.central.CountOf(testutils.OpConnect), "already connected")
}

// GOAL: Verify operations fail fast while disconnected
//
// TEST SCENARIO: no connection -> every GATT operation returns NotConnected without a request
func (s *BridgeTestSuite) TestOperationsRequireConnection() {
	ctx := context.Background()

	_, err := s.bridge.DiscoverServices(ctx, nil)
	s.True(errors.Is(err, device.ErrNotConnected))
	_, err = s.bridge.ReadValue(ctx, charA)
	s.True(errors.Is(err, device.ErrNotConnected))
	s.True(errors.Is(s.bridge.WriteValue(ctx, []byte{1}, charA), device.ErrNotConnected))
	s.True(errors.Is(s.bridge.SetNotifyValue(ctx, true, charA), device.ErrNotConnected))

	s.Empty(s.central.Requests())
}

// GOAL: Verify a second discovery cancels the first
//
// TEST SCENARIO: discover twice -> first Cancelled -> second resolves; late answer to the first is ignored
func (s *BridgeTestSuite) TestDiscoveryLastCallerWins() {
	s.connect()

	type svcResult = result[[]*ble.Service]
	first := make(chan svcResult, 1)
	go func() {
		v, err := s.bridge.DiscoverServices(context.Background(), nil)
		first <- svcResult{v, err}
	}()
	req1 := s.lastRequest(testutils.OpDiscoverServices, 1)

	second := make(chan svcResult, 1)
	go func() {
		v, err := s.bridge.DiscoverServices(context.Background(), nil)
		second <- svcResult{v, err}
	}()

	r1 := <-first
	s.True(errors.Is(r1.err, device.ErrCancelled), "got %v", r1.err)

	req2 := s.lastRequest(testutils.OpDiscoverServices, 2)
	s.NotEqual(req1.Tag, req2.Tag)

	svc := &ble.Service{UUID: testService}
	s.central.Emit(device.Event{Kind: device.EventServicesDiscovered, Tag: req1.Tag, Services: nil})
	s.central.Emit(device.Event{Kind: device.EventServicesDiscovered, Tag: req2.Tag, Services: []*ble.Service{svc}})

	r2 := <-second
	s.Require().NoError(r2.err)
	s.Equal([]*ble.Service{svc}, r2.v)
}

// GOAL: Verify writes are cancel-then-replace and stale acks are ignored
//
// TEST SCENARIO: write A pending -> write B -> A Cancelled; ack with A's tag ignored; ack with B's tag resolves B
func (s *BridgeTestSuite) TestWriteSupersedes() {
	s.connect()

	a := s.write(charB, []byte{0xfe, 0x00})
	reqA := s.lastRequest(testutils.OpWrite, 1)
	b := s.write(charB, []byte{0xff, 0x00})

	ra := s.await(a)
	s.True(errors.Is(ra.err, device.ErrCancelled), "got %v", ra.err)

	reqB := s.lastRequest(testutils.OpWrite, 2)
	s.central.Emit(device.Event{Kind: device.EventValueWritten, Tag: reqA.Tag, Characteristic: charB})
	s.expectPending(b)

	s.central.Emit(device.Event{Kind: device.EventValueWritten, Tag: reqB.Tag, Characteristic: charA})
	s.expectPending(b) // right tag, wrong characteristic

	s.central.Emit(device.Event{Kind: device.EventValueWritten, Tag: reqB.Tag, Characteristic: charB})
	s.NoError(s.await(b).err)
}

// GOAL: Verify concurrent reads of one characteristic share a request
//
// TEST SCENARIO: two reads of A -> one request -> both get the value
func (s *BridgeTestSuite) TestReadsAreJoined() {
	s.connect()

	r1 := s.read(charA)
	req := s.lastRequest(testutils.OpRead, 1)
	r2 := s.read(charA)
	time.Sleep(10 * time.Millisecond)
	s.Equal(1, s.central.CountOf(testutils.OpRead))

	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Tag: req.Tag, Characteristic: charA, Value: []byte{1, 2, 3, 4}})

	v1, v2 := s.await(r1), s.await(r2)
	s.Require().NoError(v1.err)
	s.Require().NoError(v2.err)
	s.Equal([]byte{1, 2, 3, 4}, v1.v)
	s.Equal([]byte{1, 2, 3, 4}, v2.v)
}

// GOAL: Verify reads of different characteristics are serialized and that
// notifications of other characteristics bypass a pending read
//
// TEST SCENARIO: read A pending -> read B waits -> notification for B goes to the update handler -> A resolves -> B issued
func (s *BridgeTestSuite) TestReadsAreSerialized() {
	s.connect()

	var mu sync.Mutex
	var updates [][]byte
	s.bridge.OnValueUpdated(func(c *ble.Characteristic, v []byte) {
		mu.Lock()
		defer mu.Unlock()
		if c == charB {
			updates = append(updates, v)
		}
	})

	ra := s.read(charA)
	reqA := s.lastRequest(testutils.OpRead, 1)
	rb := s.read(charB)
	time.Sleep(10 * time.Millisecond)
	s.Equal(1, s.central.CountOf(testutils.OpRead), "B waits for A")

	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Characteristic: charB, Value: []byte{9}})
	s.expectPending(ra)

	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Tag: reqA.Tag, Characteristic: charA, Value: []byte{1}})
	s.Equal([]byte{1}, s.await(ra).v)

	reqB := s.lastRequest(testutils.OpRead, 2)
	s.Same(charB, reqB.Characteristic)
	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Tag: reqB.Tag, Characteristic: charB, Value: []byte{2}})
	s.Equal([]byte{2}, s.await(rb).v)

	mu.Lock()
	defer mu.Unlock()
	s.Equal([][]byte{{9}}, updates)
}

// GOAL: Verify an unsolicited value for the characteristic being read answers the read
//
// TEST SCENARIO: read A pending -> untagged notification on A -> read resolves; late tagged answer ignored
func (s *BridgeTestSuite) TestNotificationAnswersPendingRead() {
	s.connect()

	var updates atomic.Int32
	s.bridge.OnValueUpdated(func(*ble.Characteristic, []byte) { updates.Add(1) })

	r := s.read(charA)
	req := s.lastRequest(testutils.OpRead, 1)
	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Characteristic: charA, Value: []byte{7}})
	s.Equal([]byte{7}, s.await(r).v)

	s.central.Emit(device.Event{Kind: device.EventValueUpdated, Tag: req.Tag, Characteristic: charA, Value: []byte{8}})
	time.Sleep(10 * time.Millisecond)
	s.Equal(int32(0), updates.Load(), "stale tagged answers are not notifications")
}

// GOAL: Verify a disconnect resolves every pending operation exactly once
//
// TEST SCENARIO: read, write, notify, discovery pending -> Disconnected event -> all fail with Disconnected, handler called with the session
func (s *BridgeTestSuite) TestDisconnectFailsAllPending() {
	s.connect()

	type disc struct {
		session uint64
	}
	disconnects := make(chan disc, 4)
	s.bridge.OnDisconnected(func(session uint64, _ error) { disconnects <- disc{session} })

	r := s.read(charA)
	w := s.write(charB, []byte{1})
	n := make(chan result[[]byte], 1)
	go func() {
		n <- result[[]byte]{nil, s.bridge.SetNotifyValue(context.Background(), true, charA)}
	}()
	d := make(chan result[[]byte], 1)
	go func() {
		_, err := s.bridge.DiscoverDescriptors(context.Background(), charA)
		d <- result[[]byte]{nil, err}
	}()
	s.lastRequest(testutils.OpRead, 1)
	s.lastRequest(testutils.OpWrite, 1)
	s.lastRequest(testutils.OpSetNotify, 1)
	s.lastRequest(testutils.OpDiscoverDescriptors, 1)

	s.central.Emit(device.Event{Kind: device.EventDisconnected, Err: errors.New("supervision timeout")})

	for name, ch := range map[string]<-chan result[[]byte]{"read": r, "write": w, "notify": n, "descriptors": d} {
		res := s.await(ch)
		s.True(errors.Is(res.err, device.ErrDisconnected), "%s: %v", name, res.err)
	}

	select {
	case got := <-disconnects:
		s.Equal(uint64(1), got.session)
	case <-time.After(s.timeout):
		s.FailNow("disconnect handler not called")
	}
	s.False(s.bridge.Connected())

	s.central.Emit(device.Event{Kind: device.EventDisconnected})
	time.Sleep(10 * time.Millisecond)
	s.Len(disconnects, 0, "a second disconnect is not reported")
}

// GOAL: Verify radio power-off behaves like a disconnect for pending work
//
// TEST SCENARIO: write pending -> radio off -> Disconnected, radio handler notified
func (s *BridgeTestSuite) TestRadioOffFailsPending() {
	s.connect()

	states := make(chan device.RadioState, 2)
	s.bridge.OnRadioState(func(st device.RadioState) { states <- st })

	w := s.write(charB, []byte{1})
	s.lastRequest(testutils.OpWrite, 1)
	s.central.SetRadio(device.RadioPoweredOff)

	s.True(errors.Is(s.await(w).err, device.ErrDisconnected))
	s.Equal(device.RadioPoweredOff, <-states)
	s.False(s.bridge.Connected())
}

// GOAL: Verify the caller context abandons a wait
//
// TEST SCENARIO: write never acknowledged, caller deadline -> Cancelled; a later ack is ignored
func (s *BridgeTestSuite) TestContextCancelsWait() {
	s.connect()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.bridge.WriteValue(ctx, []byte{1}, charB)
	s.True(errors.Is(err, device.ErrCancelled), "got %v", err)

	req := s.lastRequest(testutils.OpWrite, 1)
	s.central.Emit(device.Event{Kind: device.EventValueWritten, Tag: req.Tag, Characteristic: charB})

	w := s.write(charB, []byte{2})
	req2 := s.lastRequest(testutils.OpWrite, 2)
	s.central.Emit(device.Event{Kind: device.EventValueWritten, Tag: req2.Tag, Characteristic: charB})
	s.NoError(s.await(w).err)
}
