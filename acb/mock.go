package acb

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ControlCall records one call to Mock.Control
type ControlCall struct {
	Control   Control
	Operation Operation
}

// Mock is an in-memory stand-in for the cloud, holding a fixed account
type Mock struct {
	lock     sync.Mutex
	State    []Device
	Calls    []ControlCall
	FetchErr error
}

// NewMock returns a Mock with two units in different states
func NewMock() *Mock {
	return &Mock{
		State: []Device{
			mockDevice(map[string]interface{}{
				"id": 1001, "name": "Living room", "groupId": 7, "deviceNumber": "A1", "cid": 3, "aid": 1,
				"power": "y", "mode": "cool", "setTemp": 24, "factTemp": 26.5, "wind": "auto", "swing": "off", "other": "",
			}),
			mockDevice(map[string]interface{}{
				"id": 1002, "name": "Bedroom", "groupId": 7, "deviceNumber": "A2", "cid": 3, "aid": 2,
				"power": "n", "mode": "heat", "setTemp": 21, "factTemp": 19, "wind": "low", "swing": "vertical", "other": "",
			}),
		},
	}
}

func mockDevice(raw map[string]interface{}) Device {
	d, err := ParseDevice(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Devices returns a copy of the mock account state
func (m *Mock) Devices(ctx context.Context) ([]Device, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	return append([]Device(nil), m.State...), nil
}

// Control applies the operation to the addressed unit
func (m *Mock) Control(ctx context.Context, control Control, op Operation) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := fmt.Sprint(control["id"])
	for n, d := range m.State {
		if d.ID == id {
			m.Calls = append(m.Calls, ControlCall{Control: control, Operation: op})
			m.State[n] = d.WithOperation(op)
			return nil
		}
	}
	return errors.New("Unknown device")
}

// SetFactTemp simulates a room temperature change on a unit
func (m *Mock) SetFactTemp(id string, t float64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for n, d := range m.State {
		if d.ID == id {
			d.FactTemp = t
			m.State[n] = d
		}
	}
}

// LastCall returns the most recent control call, or nil
func (m *Mock) LastCall() *ControlCall {
	m.lock.Lock()
	defer m.lock.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return &m.Calls[len(m.Calls)-1]
}
