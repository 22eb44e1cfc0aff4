// Package coordinator keeps a cache of the devices of one AirControlBase account
// Can fire events when a device changes state
package coordinator

import (
	"aircontrolbase2mqtt/acb"
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultRefreshDelay = 10 * time.Second
)

// Fetcher reads the current state of every device in the account
type Fetcher interface {
	Devices(ctx context.Context) ([]acb.Device, error)
}

// Config contains the configuration parameters for a new Coordinator instance
type Config struct {
	Fetcher      Fetcher       // where devices are read from
	Interval     time.Duration // time between polls
	RefreshDelay time.Duration // delay applied to requested refreshes
	Logger       log.FieldLogger
}

// Coordinator represents a cache of the devices in an account
type Coordinator struct {
	Config

	log                  log.FieldLogger
	state                []acb.Device                // current view of the devices, in account order
	seen                 map[string]bool             // every device id ever reported
	callbacks            map[string]func(acb.Device) // set of callbacks
	onNewDevice          func(device acb.Device)
	onAvailabilityChange func(available bool)
	available            bool
	polled               bool
	lastUpdate           time.Time
	refreshTimer         *time.Timer
	refresh              chan struct{}
	lock                 *sync.RWMutex
}

var ErrUninitialized = errors.New("State uninitialized. Call Poll() first.")
var ErrUnknownDevice = errors.New("Unknown device")

// New returns a new Coordinator instance
func New(config *Config) *Coordinator {
	c := &Coordinator{
		Config:    *config,
		seen:      make(map[string]bool),
		callbacks: make(map[string]func(acb.Device)),
		refresh:   make(chan struct{}, 1),
		lock:      &sync.RWMutex{},
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RefreshDelay < 0 {
		c.RefreshDelay = 0
	}
	c.log = c.Logger
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	c.log = c.log.WithField("component", "coordinator")
	return c
}

// RegisterCallback registers a new callback that will be fired when the specific device changes state
func (c *Coordinator) RegisterCallback(id string, callback func(device acb.Device)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.callbacks[id] = callback
}

// HandleNewDevice sets the function called with every device seen for the first time
func (c *Coordinator) HandleNewDevice(f func(device acb.Device)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onNewDevice = f
}

// HandleAvailabilityChange sets the function called when polls start failing or recover
func (c *Coordinator) HandleAvailabilityChange(f func(available bool)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onAvailabilityChange = f
}

// Poll refreshes the cache by reading all devices from the account
func (c *Coordinator) Poll(ctx context.Context) error {
	devices, err := c.Fetcher.Devices(ctx)
	if errors.Is(err, acb.ErrRefreshSuppressed) {
		c.log.Debug("Refresh suppressed after control, keeping cached state")
		return nil
	}
	if err != nil {
		c.log.WithError(err).Warn("Error fetching devices")
		c.setAvailable(false)
		return err
	}

	c.lock.Lock()
	old := make(map[string]acb.Device, len(c.state))
	for _, d := range c.state {
		old[d.ID] = d
	}
	var newDevices []acb.Device
	var changed []acb.Device
	current := make(map[string]bool, len(devices))
	for _, d := range devices {
		current[d.ID] = true
		if !c.seen[d.ID] {
			c.seen[d.ID] = true
			newDevices = append(newDevices, d)
			changed = append(changed, d)
			continue
		}
		if prev, ok := old[d.ID]; !ok || !prev.Equal(d) {
			changed = append(changed, d)
		}
	}
	for id := range old {
		if !current[id] {
			c.log.WithField("device_id", id).Warn("Device no longer reported by the account")
		}
	}
	c.state = make([]acb.Device, len(devices))
	copy(c.state, devices)
	c.lastUpdate = time.Now()
	onNewDevice := c.onNewDevice
	c.lock.Unlock()

	c.setAvailable(true)
	for _, d := range newDevices {
		c.log.WithFields(log.Fields{"device_id": d.ID, "name": d.Name}).Info("Found device")
		if onNewDevice != nil {
			onNewDevice(d)
		}
	}
	c.fire(changed)
	return nil
}

// FirstRefresh polls until the first successful read, doubling the wait
// between attempts up to the poll interval
func (c *Coordinator) FirstRefresh(ctx context.Context) error {
	delay := time.Second
	for {
		err := c.Poll(ctx)
		if err == nil && c.initialized() {
			return nil
		}
		c.log.WithField("retry_in", delay).Warn("First refresh failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.Interval {
			delay = c.Interval
		}
	}
}

// Run polls every Interval, and whenever a requested refresh comes due,
// until the context is done
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	defer c.stopRefreshTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.refresh:
		}
		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.WithError(err).Error("Update failed")
		}
	}
}

// RequestRefresh schedules a poll after RefreshDelay. Requests made while
// one is pending are folded into it.
func (c *Coordinator) RequestRefresh() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.refreshTimer != nil {
		return
	}
	c.refreshTimer = time.AfterFunc(c.RefreshDelay, func() {
		c.lock.Lock()
		c.refreshTimer = nil
		c.lock.Unlock()
		select {
		case c.refresh <- struct{}{}:
		default:
		}
	})
}

func (c *Coordinator) stopRefreshTimer() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.refreshTimer != nil {
		c.refreshTimer.Stop()
		c.refreshTimer = nil
	}
}

// ReadDevice reads one device from the cache
func (c *Coordinator) ReadDevice(id string) (acb.Device, error) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.state == nil {
		return acb.Device{}, ErrUninitialized
	}
	for _, d := range c.state {
		if d.ID == id {
			return d, nil
		}
	}
	return acb.Device{}, ErrUnknownDevice
}

// Devices returns the cached devices
func (c *Coordinator) Devices() []acb.Device {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]acb.Device(nil), c.state...)
}

// Update writes the device into the cache ahead of the next poll and fires its callback
func (c *Coordinator) Update(device acb.Device) error {
	c.lock.Lock()
	if c.state == nil {
		c.lock.Unlock()
		return ErrUninitialized
	}
	found := false
	for n, d := range c.state {
		if d.ID == device.ID {
			c.state[n] = device
			found = true
			break
		}
	}
	callback := c.callbacks[device.ID]
	c.lock.Unlock()
	if !found {
		return ErrUnknownDevice
	}
	if callback != nil {
		callback(device)
	}
	return nil
}

// TriggerCallbacks calls all callbacks with the cached device state
func (c *Coordinator) TriggerCallbacks() {
	c.fire(c.Devices())
}

// LastUpdateSuccess tells whether the last poll succeeded
func (c *Coordinator) LastUpdateSuccess() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.available
}

// LastUpdate returns the time of the last successful poll
func (c *Coordinator) LastUpdate() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.lastUpdate
}

func (c *Coordinator) initialized() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.state != nil
}

func (c *Coordinator) fire(devices []acb.Device) {
	for _, d := range devices {
		c.lock.RLock()
		callback := c.callbacks[d.ID]
		c.lock.RUnlock()
		if callback != nil {
			callback(d)
		}
	}
}

func (c *Coordinator) setAvailable(available bool) {
	c.lock.Lock()
	changed := !c.polled || c.available != available
	c.polled = true
	c.available = available
	onAvailabilityChange := c.onAvailabilityChange
	c.lock.Unlock()
	if changed {
		if available {
			c.log.Info("Devices available")
		} else {
			c.log.Warn("Devices unavailable")
		}
		if onAvailabilityChange != nil {
			onAvailabilityChange(available)
		}
	}
}
