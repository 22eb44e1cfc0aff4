package climate

import (
	"aircontrolbase2mqtt/acb"
	"context"
	"math"
	"sync"

	average "github.com/RobinUS2/golang-moving-average"
	log "github.com/sirupsen/logrus"
)

// Controller sends desired states to the cloud
type Controller interface {
	Control(ctx context.Context, control acb.Control, op acb.Operation) error
}

// Cache holds the last known state of every device
type Cache interface {
	ReadDevice(id string) (acb.Device, error)
	Update(device acb.Device) error
	RegisterCallback(id string, callback func(device acb.Device))
	RequestRefresh()
}

type EntityConfig struct {
	DeviceID    string
	Controller  Controller
	Cache       Cache
	TempSamples int // current temperature is averaged over this many polls
}

// Entity is a driver to interact with one air conditioning unit
type Entity struct {
	EntityConfig
	OnNameChange        func(name string)
	OnCurrentTempChange func(newTemp float64)
	OnTargetTempChange  func(newTemp float64)
	OnHvacModeChange    func(newMode string)
	OnHvacActionChange  func(newAction string)
	OnFanModeChange     func(newMode string)
	OnSwingModeChange   func(newMode string)

	lock       sync.Mutex
	notify     sync.Mutex // orders callbacks as the states they report
	temp       *average.MovingAverage
	lastSample float64
	sampled    bool
	known      bool
	last       state
}

type state struct {
	name       string
	currentTmp float64
	targetTmp  float64
	hvacMode   string
	hvacAction string
	fanMode    string
	swingMode  string
}

// NewEntity creates a new climate entity with the supplied configuration
// Invokes callbacks when the device state changes in the cache
func NewEntity(config *EntityConfig) *Entity {
	e := &Entity{
		EntityConfig: *config,
	}
	if e.TempSamples < 1 {
		e.TempSamples = 1
	}
	e.temp = average.New(e.TempSamples)
	e.Cache.RegisterCallback(e.DeviceID, e.onDevice)
	return e
}

func (e *Entity) onDevice(d acb.Device) {
	e.notify.Lock()
	defer e.notify.Unlock()

	e.lock.Lock()
	// the cache reports a device again when anything changes, only new readings are samples
	if !e.sampled || d.FactTemp != e.lastSample {
		e.temp.Add(d.FactTemp)
		e.lastSample, e.sampled = d.FactTemp, true
	}
	s := state{
		name:       d.Name,
		currentTmp: math.Round(e.temp.Avg()*10) / 10,
		targetTmp:  d.SetTemp,
		hvacMode:   Device2HvacMode(d),
		fanMode:    Wind2FanMode(d.Wind),
		swingMode:  Swing2SwingMode(d.Swing),
	}
	s.hvacAction = HvacMode2Action(s.hvacMode)
	old, known := e.last, e.known
	e.last, e.known = s, true
	e.lock.Unlock()

	if (!known || old.name != s.name) && e.OnNameChange != nil {
		e.OnNameChange(s.name)
	}
	if (!known || old.currentTmp != s.currentTmp) && e.OnCurrentTempChange != nil {
		e.OnCurrentTempChange(s.currentTmp)
	}
	if (!known || old.targetTmp != s.targetTmp) && e.OnTargetTempChange != nil {
		e.OnTargetTempChange(s.targetTmp)
	}
	if (!known || old.hvacMode != s.hvacMode) && e.OnHvacModeChange != nil {
		e.OnHvacModeChange(s.hvacMode)
	}
	if (!known || old.hvacAction != s.hvacAction) && e.OnHvacActionChange != nil {
		e.OnHvacActionChange(s.hvacAction)
	}
	if (!known || old.fanMode != s.fanMode) && e.OnFanModeChange != nil {
		e.OnFanModeChange(s.fanMode)
	}
	if (!known || old.swingMode != s.swingMode) && e.OnSwingModeChange != nil {
		e.OnSwingModeChange(s.swingMode)
	}
}

func (e *Entity) device() acb.Device {
	d, err := e.Cache.ReadDevice(e.DeviceID)
	if err != nil {
		return acb.Device{ID: e.DeviceID, Name: e.DeviceID}
	}
	return d
}

func (e *Entity) Name() string {
	return e.device().Name
}

// CurrentTemperature returns the averaged room temperature
func (e *Entity) CurrentTemperature() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return math.Round(e.temp.Avg()*10) / 10
}

func (e *Entity) TargetTemperature() float64 {
	return e.device().SetTemp
}

func (e *Entity) HvacMode() string {
	return Device2HvacMode(e.device())
}

func (e *Entity) HvacAction() string {
	return HvacMode2Action(e.HvacMode())
}

func (e *Entity) FanMode() string {
	return Wind2FanMode(e.device().Wind)
}

func (e *Entity) SwingMode() string {
	return Swing2SwingMode(e.device().Swing)
}

// SetTemperature sets the target temperature, rounded to whole degrees
func (e *Entity) SetTemperature(ctx context.Context, t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return ErrInvalidTemperature
	}
	return e.control(ctx, func(op *acb.Operation) error {
		op.SetTemp = ClampTemperature(t)
		return nil
	})
}

// SetHvacMode switches the unit off or to the given operating mode
func (e *Entity) SetHvacMode(ctx context.Context, hvacMode string) error {
	return e.control(ctx, func(op *acb.Operation) (err error) {
		*op, err = ApplyHvacMode(*op, hvacMode)
		return err
	})
}

func (e *Entity) SetFanMode(ctx context.Context, fanMode string) error {
	return e.control(ctx, func(op *acb.Operation) (err error) {
		op.Wind, err = FanMode2Wind(fanMode)
		return err
	})
}

func (e *Entity) SetSwingMode(ctx context.Context, swingMode string) error {
	return e.control(ctx, func(op *acb.Operation) error {
		if !ValidSwingMode(swingMode) {
			return ErrUnknownSwingMode
		}
		op.Swing = swingMode
		return nil
	})
}

// control sends the current device state with apply's changes, then writes
// the result into the cache and asks for a refresh
func (e *Entity) control(ctx context.Context, apply func(op *acb.Operation) error) error {
	d, err := e.Cache.ReadDevice(e.DeviceID)
	if err != nil {
		return err
	}
	op := d.Operation()
	if op.SetTemp < MIN_TEMP || op.SetTemp > MAX_TEMP {
		op.SetTemp = ClampTemperature(float64(op.SetTemp))
	}
	if err := apply(&op); err != nil {
		return err
	}
	if err := e.Controller.Control(ctx, d.Control(), op); err != nil {
		return err
	}
	if err := e.Cache.Update(d.WithOperation(op)); err != nil {
		log.WithField("device_id", e.DeviceID).Warnf("Cannot update cached state: %s", err)
	}
	e.Cache.RequestRefresh()
	return nil
}
