package climate_test

import (
	"aircontrolbase2mqtt/acb"
	"aircontrolbase2mqtt/climate"
	"aircontrolbase2mqtt/coordinator"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/epiclabs-io/ut"
)

type failingController struct{}

func (failingController) Control(ctx context.Context, control acb.Control, op acb.Operation) error {
	return errors.New("cloud unreachable")
}

func newCoordinator(mock *acb.Mock) *coordinator.Coordinator {
	return coordinator.New(&coordinator.Config{
		Fetcher:      mock,
		Interval:     time.Hour,
		RefreshDelay: time.Hour,
	})
}

func TestEntity(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	mock := acb.NewMock()
	c := newCoordinator(mock)
	e := climate.NewEntity(&climate.EntityConfig{
		DeviceID:    "1001",
		Controller:  mock,
		Cache:       c,
		TempSamples: 3,
	})

	changes := make(map[string][]interface{})
	record := func(name string) func(v interface{}) {
		return func(v interface{}) {
			changes[name] = append(changes[name], v)
		}
	}
	e.OnCurrentTempChange = func(v float64) { record("currentTemp")(v) }
	e.OnTargetTempChange = func(v float64) { record("targetTemp")(v) }
	e.OnHvacModeChange = func(v string) { record("hvacMode")(v) }
	e.OnHvacActionChange = func(v string) { record("hvacAction")(v) }
	e.OnFanModeChange = func(v string) { record("fanMode")(v) }
	e.OnSwingModeChange = func(v string) { record("swingMode")(v) }

	err := e.SetHvacMode(ctx, climate.HVAC_MODE_HEAT)
	t.MustFailWith(err, coordinator.ErrUninitialized)
	t.Equals(0, len(mock.Calls))

	// first update publishes everything
	t.Ok(c.Poll(ctx))
	t.Equals(map[string][]interface{}{
		"currentTemp": {26.5},
		"targetTemp":  {24.0},
		"hvacMode":    {"cool"},
		"hvacAction":  {"cooling"},
		"fanMode":     {"auto"},
		"swingMode":   {"off"},
	}, changes)
	t.Equals("Living room", e.Name())
	t.Equals(24.0, e.TargetTemperature())
	t.Equals(26.5, e.CurrentTemperature())

	// room temperature is averaged
	changes = make(map[string][]interface{})
	mock.SetFactTemp("1001", 27.5)
	t.Ok(c.Poll(ctx))
	t.Equals(map[string][]interface{}{"currentTemp": {27.0}}, changes)

	// set temperature rounds to whole degrees and updates the cache right away
	changes = make(map[string][]interface{})
	t.Ok(e.SetTemperature(ctx, 22.4))
	t.Equals(22, mock.LastCall().Operation.SetTemp)
	t.Equals("y", mock.LastCall().Operation.Power)
	t.Equals("cool", mock.LastCall().Operation.Mode)
	t.Equals(map[string][]interface{}{"targetTemp": {22.0}}, changes)
	t.Equals(22.0, e.TargetTemperature())

	t.Ok(e.SetTemperature(ctx, 40))
	t.Equals(climate.MAX_TEMP, mock.LastCall().Operation.SetTemp)
	t.Ok(e.SetTemperature(ctx, 3))
	t.Equals(climate.MIN_TEMP, mock.LastCall().Operation.SetTemp)

	calls := len(mock.Calls)
	t.MustFailWith(e.SetTemperature(ctx, math.NaN()), climate.ErrInvalidTemperature)
	t.MustFailWith(e.SetTemperature(ctx, math.Inf(1)), climate.ErrInvalidTemperature)
	t.MustFailWith(e.SetTemperature(ctx, math.Inf(-1)), climate.ErrInvalidTemperature)
	t.Equals(calls, len(mock.Calls))

	// off keeps the mode, on selects it
	changes = make(map[string][]interface{})
	t.Ok(e.SetHvacMode(ctx, climate.HVAC_MODE_OFF))
	t.Equals("n", mock.LastCall().Operation.Power)
	t.Equals("cool", mock.LastCall().Operation.Mode)
	t.Equals(map[string][]interface{}{"hvacMode": {"off"}, "hvacAction": {"off"}}, changes)

	changes = make(map[string][]interface{})
	t.Ok(e.SetHvacMode(ctx, climate.HVAC_MODE_FAN_ONLY))
	t.Equals("y", mock.LastCall().Operation.Power)
	t.Equals("fan", mock.LastCall().Operation.Mode)
	t.Equals(map[string][]interface{}{"hvacMode": {"fan_only"}, "hvacAction": {"fan"}}, changes)

	t.Ok(e.SetHvacMode(ctx, climate.HVAC_MODE_AUTO))
	t.Equals(climate.HVAC_ACTION_IDLE, e.HvacAction())

	calls = len(mock.Calls)
	t.MustFailWith(e.SetHvacMode(ctx, "turbo"), climate.ErrUnknownHvacMode)
	t.MustFailWith(e.SetFanMode(ctx, "turbo"), climate.ErrUnknownFanMode)
	t.MustFailWith(e.SetSwingMode(ctx, "diagonal"), climate.ErrUnknownSwingMode)
	t.Equals(calls, len(mock.Calls))

	t.Ok(e.SetFanMode(ctx, climate.FAN_MEDIUM))
	t.Equals("mid", mock.LastCall().Operation.Wind)
	t.Equals(climate.FAN_MEDIUM, e.FanMode())

	t.Ok(e.SetSwingMode(ctx, climate.SWING_BOTH))
	t.Equals("both", mock.LastCall().Operation.Swing)
	t.Equals(climate.SWING_BOTH, e.SwingMode())

	// the identity of the device travels with every control
	t.Equals(acb.Control{"id": 1001, "groupId": 7, "deviceNumber": "A1", "cid": 3, "aid": 1}, mock.LastCall().Control)
}

func TestEntityControlFailure(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	mock := acb.NewMock()
	c := newCoordinator(mock)
	t.Ok(c.Poll(ctx))
	e := climate.NewEntity(&climate.EntityConfig{
		DeviceID:   "1002",
		Controller: failingController{},
		Cache:      c,
	})

	t.MustFail(e.SetHvacMode(ctx, climate.HVAC_MODE_COOL), "expected control errors to be returned")
	t.Equals(climate.HVAC_MODE_OFF, e.HvacMode())
	t.Equals(21.0, e.TargetTemperature())
}

func TestEntityCallbackOrder(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()
	ctx := context.Background()

	mock := acb.NewMock()
	c := newCoordinator(mock)
	e := climate.NewEntity(&climate.EntityConfig{
		DeviceID:   "1001",
		Controller: mock,
		Cache:      c,
	})
	t.Ok(c.Poll(ctx))

	var lock sync.Mutex
	var published []float64
	entered := make(chan struct{})
	release := make(chan struct{})
	e.OnTargetTempChange = func(v float64) {
		lock.Lock()
		published = append(published, v)
		lock.Unlock()
		if v == 22 {
			close(entered)
			<-release
		}
	}
	d, err := c.ReadDevice("1001")
	t.Ok(err)
	withTemp := func(temp int) acb.Device {
		op := d.Operation()
		op.SetTemp = temp
		return d.WithOperation(op)
	}
	older, newer := withTemp(22), withTemp(23)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.Update(older)
	}()
	<-entered
	go func() {
		defer wg.Done()
		_ = c.Update(newer)
	}()

	// the newer state waits until the older one is reported
	time.Sleep(50 * time.Millisecond)
	lock.Lock()
	t.Equals([]float64{22}, published)
	lock.Unlock()

	close(release)
	wg.Wait()
	t.Equals([]float64{22, 23}, published)
	t.Equals(23.0, e.TargetTemperature())
}

func TestMappings(tx *testing.T) {
	t := ut.BeginTest(tx, false)
	defer t.FinishTest()

	t.Equals(climate.FAN_MEDIUM, climate.Wind2FanMode("mid"))
	t.Equals(climate.FAN_MEDIUM, climate.Wind2FanMode("medium"))
	t.Equals(climate.FAN_AUTO, climate.Wind2FanMode("unknown"))
	t.Equals(climate.SWING_OFF, climate.Swing2SwingMode("sideways"))

	d := acb.Device{Power: "y", Mode: "defrost"}
	t.Equals(climate.HVAC_MODE_OFF, climate.Device2HvacMode(d))
	d.Mode = "dry"
	t.Equals(climate.HVAC_MODE_DRY, climate.Device2HvacMode(d))
	t.Equals(climate.HVAC_ACTION_DRYING, climate.HvacMode2Action(climate.Device2HvacMode(d)))
	d.Power = "n"
	t.Equals(climate.HVAC_MODE_OFF, climate.Device2HvacMode(d))

	t.Equals(23, climate.ClampTemperature(22.5))
	t.Equals(22, climate.ClampTemperature(22.49))
	t.Equals([]string{"off", "cool", "heat", "dry", "fan_only", "auto"}, climate.HvacModeList())
	t.Equals([]string{"auto", "low", "medium", "high"}, climate.FanModeList())
}
