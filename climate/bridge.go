package climate

import (
	"aircontrolbase2mqtt/acb"
	"aircontrolbase2mqtt/coordinator"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const AVAILABILITY_ONLINE = "online"
const AVAILABILITY_OFFLINE = "offline"

const UNIQUE_ID_PREFIX = "aircontrolbase"

// CommandTimeout bounds a control request triggered by an MQTT command
const CommandTimeout = 30 * time.Second

type MQTT interface {
	Publish(topic string, qos byte, retained bool, payload string) error
	Subscribe(topic string, callback func(message string)) error
}

type Config struct {
	NodeName    string
	Mqtt        MQTT
	Controller  Controller
	Coordinator *coordinator.Coordinator
	TopicPrefix string
	HassPrefix  string
	TempSamples int
}

// Bridge exposes every device of an account to Home Assistant over MQTT
type Bridge struct {
	Config
	ctx      context.Context
	lock     sync.Mutex
	entities map[string]*Entity
}

func NewBridge(config *Config) *Bridge {
	return &Bridge{
		Config:   *config,
		entities: make(map[string]*Entity),
	}
}

// AvailabilityTopic is where online/offline is published. The MQTT client
// uses it for its last will too.
func AvailabilityTopic(topicPrefix, nodeName string) string {
	return fmt.Sprintf("%s/%s/availability", topicPrefix, nodeName)
}

// Start publishes discovery and state for the devices known to the
// coordinator and subscribes their command topics. Devices found later are
// added as they appear.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctx = ctx
	b.Coordinator.HandleNewDevice(func(d acb.Device) {
		if err := b.addDevice(d); err != nil {
			log.Printf("Error adding device %s: %s", d.ID, err)
		}
	})
	b.Coordinator.HandleAvailabilityChange(b.publishAvailability)

	for _, d := range b.Coordinator.Devices() {
		if err := b.addDevice(d); err != nil {
			return err
		}
	}
	b.publishAvailability(b.Coordinator.LastUpdateSuccess())
	b.Coordinator.TriggerCallbacks()
	return nil
}

// Entity returns the entity of a device, or nil
func (b *Bridge) Entity(id string) *Entity {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.entities[id]
}

func (b *Bridge) addDevice(d acb.Device) error {
	b.lock.Lock()
	if _, ok := b.entities[d.ID]; ok {
		b.lock.Unlock()
		return nil
	}
	entity := NewEntity(&EntityConfig{
		DeviceID:    d.ID,
		Controller:  b.Controller,
		Cache:       b.Coordinator,
		TempSamples: b.TempSamples,
	})
	b.entities[d.ID] = entity
	b.lock.Unlock()

	currentTempTopic := b.getDeviceTopic(d.ID, "currentTemp")
	targetTempTopic := b.getDeviceTopic(d.ID, "targetTemp")
	targetTempSetTopic := targetTempTopic + "/set"
	hvacModeTopic := b.getDeviceTopic(d.ID, "hvacMode")
	hvacModeSetTopic := hvacModeTopic + "/set"
	hvacActionTopic := b.getDeviceTopic(d.ID, "hvacAction")
	fanModeTopic := b.getDeviceTopic(d.ID, "fanMode")
	fanModeSetTopic := fanModeTopic + "/set"
	swingModeTopic := b.getDeviceTopic(d.ID, "swingMode")
	swingModeSetTopic := swingModeTopic + "/set"

	entity.OnNameChange = func(name string) {
		b.publishDiscovery(d.ID, name)
	}
	entity.OnCurrentTempChange = func(currentTemp float64) {
		b.publish(currentTempTopic, fmt.Sprintf("%g", currentTemp))
	}
	entity.OnTargetTempChange = func(targetTemp float64) {
		b.publish(targetTempTopic, fmt.Sprintf("%g", targetTemp))
	}
	entity.OnHvacModeChange = func(hvacMode string) {
		b.publish(hvacModeTopic, hvacMode)
	}
	entity.OnHvacActionChange = func(hvacAction string) {
		b.publish(hvacActionTopic, hvacAction)
	}
	entity.OnFanModeChange = func(fanMode string) {
		b.publish(fanModeTopic, fanMode)
	}
	entity.OnSwingModeChange = func(swingMode string) {
		b.publish(swingModeTopic, swingMode)
	}

	err := b.Mqtt.Subscribe(targetTempSetTopic, func(message string) {
		targetTemp, err := strconv.ParseFloat(message, 64)
		if err != nil {
			log.Printf("Error parsing targetTemperature in topic %s: %s", targetTempSetTopic, err)
			return
		}
		b.command(d.ID, "target temperature", message, func(ctx context.Context) error {
			return entity.SetTemperature(ctx, targetTemp)
		})
	})
	if err != nil {
		return err
	}

	err = b.Mqtt.Subscribe(hvacModeSetTopic, func(message string) {
		b.command(d.ID, "hvac mode", message, func(ctx context.Context) error {
			return entity.SetHvacMode(ctx, message)
		})
	})
	if err != nil {
		return err
	}

	err = b.Mqtt.Subscribe(fanModeSetTopic, func(message string) {
		b.command(d.ID, "fan mode", message, func(ctx context.Context) error {
			return entity.SetFanMode(ctx, message)
		})
	})
	if err != nil {
		return err
	}

	err = b.Mqtt.Subscribe(swingModeSetTopic, func(message string) {
		b.command(d.ID, "swing mode", message, func(ctx context.Context) error {
			return entity.SetSwingMode(ctx, message)
		})
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"device_id": d.ID, "name": d.Name}).Info("Device bridged")
	return nil
}

func (b *Bridge) command(id, what, value string, f func(ctx context.Context) error) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	if err := f(ctx); err != nil {
		log.Printf("Cannot set %s to %q in device %s: %s", what, value, id, err)
	}
}

func (b *Bridge) publishDiscovery(id, name string) {
	uniqueID := fmt.Sprintf("%s_%s", UNIQUE_ID_PREFIX, id)
	config := map[string]interface{}{
		"name":                      nil,
		"unique_id":                 uniqueID,
		"availability_topic":        AvailabilityTopic(b.TopicPrefix, b.NodeName),
		"current_temperature_topic": b.getDeviceTopic(id, "currentTemp"),
		"precision":                 1.0,
		"temperature_state_topic":   b.getDeviceTopic(id, "targetTemp"),
		"temperature_command_topic": b.getDeviceTopic(id, "targetTemp") + "/set",
		"temperature_unit":          "C",
		"temp_step":                 TEMP_STEP,
		"min_temp":                  MIN_TEMP,
		"max_temp":                  MAX_TEMP,
		"modes":                     HvacModeList(),
		"mode_state_topic":          b.getDeviceTopic(id, "hvacMode"),
		"mode_command_topic":        b.getDeviceTopic(id, "hvacMode") + "/set",
		"action_topic":              b.getDeviceTopic(id, "hvacAction"),
		"fan_modes":                 FanModeList(),
		"fan_mode_state_topic":      b.getDeviceTopic(id, "fanMode"),
		"fan_mode_command_topic":    b.getDeviceTopic(id, "fanMode") + "/set",
		"swing_modes":               SwingModes,
		"swing_mode_state_topic":    b.getDeviceTopic(id, "swingMode"),
		"swing_mode_command_topic":  b.getDeviceTopic(id, "swingMode") + "/set",
		"device": map[string]interface{}{
			"identifiers":  []string{uniqueID},
			"name":         name,
			"manufacturer": "AirControlBase",
			"model":        "Air conditioner",
		},
	}

	configJSON, _ := json.Marshal(config)
	// <discovery_prefix>/<component>/[<node_id>/]<object_id>/config
	b.publish(fmt.Sprintf("%s/%s/%s/%s/config", b.HassPrefix, HA_COMPONENT_CLIMATE, b.NodeName, id), string(configJSON))
}

func (b *Bridge) publishAvailability(available bool) {
	payload := AVAILABILITY_OFFLINE
	if available {
		payload = AVAILABILITY_ONLINE
	}
	b.publish(AvailabilityTopic(b.TopicPrefix, b.NodeName), payload)
}

func (b *Bridge) publish(topic, payload string) {
	if err := b.Mqtt.Publish(topic, 0, true, payload); err != nil {
		log.Printf("Error publishing to %s: %s", topic, err)
	}
}

func (b *Bridge) getDeviceTopic(id string, subtopic string) string {
	return fmt.Sprintf("%s/%s/%s/%s", b.TopicPrefix, b.NodeName, id, subtopic)
}
