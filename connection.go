package delta

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
)

// ConnectionEvent describes one state transition. `ClientId` is the id
// assigned for the current connection and is zero unless connected.
// `Version` is the authority version from the handshake.
type ConnectionEvent struct {
	State    ConnectionState
	ClientId Id
	Version  string
}

type ConnectionStateFunction func(event *ConnectionEvent)

// connectionMachine tracks disconnected -> connecting -> connected, with any
// state dropping back to disconnected on failure. Transitions are driven only
// by the sequencer client's observed network events, applied from the session
// run loop. Observers are notified synchronously on each transition.
type connectionMachine struct {
	stateLock sync.Mutex
	state     ConnectionState
	clientId  Id
	version   string
	// counts connected transitions. sends are tagged with the epoch so a
	// flush after reconnect can tell what the previous connection already sent
	epoch uint64

	stateMonitor   *Monitor
	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func newConnectionMachine() *connectionMachine {
	return &connectionMachine{
		state:          ConnectionStateDisconnected,
		stateMonitor:   NewMonitor(),
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

func (self *connectionMachine) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// ClientId returns the id assigned for the current connection.
func (self *connectionMachine) ClientId() (Id, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != ConnectionStateConnected {
		return Id{}, false
	}
	return self.clientId, true
}

func (self *connectionMachine) Epoch() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.epoch
}

func (self *connectionMachine) AddStateCallback(stateCallback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *connectionMachine) toConnecting() bool {
	self.stateLock.Lock()
	if self.state != ConnectionStateDisconnected {
		self.stateLock.Unlock()
		return false
	}
	self.state = ConnectionStateConnecting
	self.clientId = Id{}
	event := self.eventLocked()
	self.stateLock.Unlock()

	self.notify(event)
	return true
}

func (self *connectionMachine) toConnected(clientId Id, version string) bool {
	self.stateLock.Lock()
	if self.state != ConnectionStateConnecting {
		self.stateLock.Unlock()
		glog.V(1).Infof("[cn]ignore connected in state %s\n", self.state)
		return false
	}
	self.state = ConnectionStateConnected
	self.clientId = clientId
	self.version = version
	self.epoch += 1
	event := self.eventLocked()
	self.stateLock.Unlock()

	self.notify(event)
	return true
}

func (self *connectionMachine) toDisconnected() bool {
	self.stateLock.Lock()
	if self.state == ConnectionStateDisconnected {
		self.stateLock.Unlock()
		return false
	}
	self.state = ConnectionStateDisconnected
	self.clientId = Id{}
	event := self.eventLocked()
	self.stateLock.Unlock()

	self.notify(event)
	return true
}

func (self *connectionMachine) eventLocked() *ConnectionEvent {
	return &ConnectionEvent{
		State:    self.state,
		ClientId: self.clientId,
		Version:  self.version,
	}
}

func (self *connectionMachine) notify(event *ConnectionEvent) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(event)
		})
	}
	self.stateMonitor.NotifyAll()
}

// AwaitState blocks until the machine reaches `state` or the context ends.
func (self *connectionMachine) AwaitState(ctx context.Context, state ConnectionState) error {
	for {
		notify := self.stateMonitor.NotifyChannel()
		if self.State() == state {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}
