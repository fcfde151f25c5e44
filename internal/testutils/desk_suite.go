//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/desklink/internal/desk"
	"github.com/srg/desklink/internal/device"
	"github.com/srg/desklink/internal/peripheral"
	"github.com/stretchr/testify/suite"
)

// DeskSuite provides a reusable test suite with a simulated Linak desk behind
// a FakeCentral, a real peripheral.Bridge and a desk.Controller.
//
// Basic usage:
//
//	type MoveSuite struct {
//	    testutils.DeskSuite
//	}
//
//	func (s *MoveSuite) TestSomething() {
//	    s.Sim.WithStep(50) // configure the desk first
//	    s.StartController()
//	    s.Require().NoError(s.Controller.Move(context.Background(), 70))
//	}
//
// Timings are shrunk so a full move takes milliseconds.
type DeskSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Central    *FakeCentral
	Sim        *DeskSimulator
	Bridge     *peripheral.Bridge
	Controller *desk.Controller
	Events     *EventRecorder

	// Options are applied by StartController; tests may tweak them first
	Options     desk.Options
	InitialRaw  uint16
	TestTimeout time.Duration

	cancel context.CancelFunc
	done   chan error
}

// SetupSuite initializes the shared logger
func (s *DeskSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest builds a fresh central and desk. The controller is not started
// so tests can configure the simulator first.
func (s *DeskSuite) SetupTest() {
	if s.InitialRaw == 0 {
		s.InitialRaw = 1000
	}
	s.Central = NewFakeCentral()
	s.Sim = NewDeskSimulator(s.Central, s.InitialRaw)
	s.Events = &EventRecorder{}

	s.Options = desk.DefaultOptions()
	s.Options.RetryBackoff = 60 * time.Millisecond
	s.Options.SettleDelay = 5 * time.Millisecond
	s.Options.PollInterval = 5 * time.Millisecond
	s.Options.MoveTimeout = 5 * time.Second
}

// TearDownTest stops the controller and waits for Run to return
func (s *DeskSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(s.TestTimeout):
			s.Fail("controller did not stop")
		}
	}
	s.cancel = nil
	s.InitialRaw = 0
	s.Controller = nil
	s.Bridge = nil
}

// StartController runs the controller and waits until the desk is Ready
func (s *DeskSuite) StartController() {
	s.StartControllerAsync()
	s.WaitForState(desk.StateReady)
}

// StartControllerAsync runs the controller without waiting for Ready
func (s *DeskSuite) StartControllerAsync() {
	s.Bridge = peripheral.New(s.Central, peripheral.Options{
		Identity: s.Options.Identity,
		Service:  desk.ScanSignature,
	}, s.Logger)
	s.Controller = desk.New(s.Bridge, s.Options, s.Logger)
	s.Controller.Subscribe(s.Events)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() {
		s.done <- s.Controller.Run(ctx)
	}()
}

// WaitForState fails the test unless the controller reaches state in time
func (s *DeskSuite) WaitForState(state desk.ConnectionState) {
	s.Require().Eventually(func() bool {
		return s.Controller.State() == state
	}, s.TestTimeout, 2*time.Millisecond, "controller never reached %s (now %s)", state, s.Controller.State())
}

// Radio switches the fake radio on or off
func (s *DeskSuite) Radio(on bool) {
	if on {
		s.Central.SetRadio(device.RadioPoweredOn)
		return
	}
	s.Central.SetRadio(device.RadioPoweredOff)
}
