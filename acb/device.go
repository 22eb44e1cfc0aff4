package acb

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mitchellh/mapstructure"
)

// Vendor power values
const (
	PowerOn  = "y"
	PowerOff = "n"
)

// Vendor operating modes
const (
	ModeCool = "cool"
	ModeHeat = "heat"
	ModeDry  = "dry"
	ModeFan  = "fan"
	ModeAuto = "auto"
)

// Vendor fan speeds ("wind")
const (
	WindAuto   = "auto"
	WindLow    = "low"
	WindMid    = "mid"
	WindMedium = "medium"
	WindHigh   = "high"
)

// identityFields are the device keys the control endpoint uses to address a unit.
var identityFields = []string{"id", "groupId", "deviceNumber", "cid", "aid"}

// Device is one air-conditioning unit as reported by getDetails.
type Device struct {
	ID            string      `mapstructure:"id"`
	Name          string      `mapstructure:"name"`
	GroupID       string      `mapstructure:"groupId"`
	DeviceNumber  string      `mapstructure:"deviceNumber"`
	CID           string      `mapstructure:"cid"`
	AID           string      `mapstructure:"aid"`
	Power         string      `mapstructure:"power"`
	Mode          string      `mapstructure:"mode"`
	SetTemp       float64     `mapstructure:"setTemp"`
	FactTemp      float64     `mapstructure:"factTemp"`
	Wind          string      `mapstructure:"wind"`
	Swing         string      `mapstructure:"swing"`
	Other         interface{} `mapstructure:"other"`
	Lock          interface{} `mapstructure:"lock"`
	ModeLockValue interface{} `mapstructure:"modeLockValue"`
	CoolLockValue interface{} `mapstructure:"coolLockValue"`
	HeatLockValue interface{} `mapstructure:"heatLockValue"`
	WindLockValue interface{} `mapstructure:"windLockValue"`
	Unlock        interface{} `mapstructure:"unlock"`

	// Raw keeps the fields exactly as received so identity values are sent
	// back with their original wire types.
	Raw map[string]interface{} `mapstructure:"-"`
}

// Operation is the desired state sent to the control endpoint.
type Operation struct {
	Power   string      `json:"power"`
	Mode    string      `json:"mode"`
	SetTemp int         `json:"setTemp"`
	Wind    string      `json:"wind"`
	Swing   string      `json:"swing"`
	Other   interface{} `json:"other,omitempty"`
}

// Control addresses a unit in a control request.
type Control map[string]interface{}

// IsOn reports whether the unit is powered
func (d Device) IsOn() bool {
	return d.Power == PowerOn
}

// Control returns the identity block of the device for a control request
func (d Device) Control() Control {
	c := make(Control, len(identityFields))
	for _, k := range identityFields {
		if v, ok := d.Raw[k]; ok && v != nil {
			c[k] = v
		}
	}
	if _, ok := c["id"]; !ok {
		c["id"] = d.ID
	}
	return c
}

// Operation returns the current device state as an operation payload
func (d Device) Operation() Operation {
	return Operation{
		Power:   d.Power,
		Mode:    d.Mode,
		SetTemp: int(math.Round(d.SetTemp)),
		Wind:    d.Wind,
		Swing:   d.Swing,
		Other:   d.Other,
	}
}

// WithOperation returns a copy of the device with the operation applied,
// as the cloud will report it once the control has gone through.
func (d Device) WithOperation(op Operation) Device {
	n := d
	n.Raw = make(map[string]interface{}, len(d.Raw))
	for k, v := range d.Raw {
		n.Raw[k] = v
	}
	n.Power = op.Power
	n.Mode = op.Mode
	n.SetTemp = float64(op.SetTemp)
	n.Wind = op.Wind
	n.Swing = op.Swing
	n.Other = op.Other
	n.Raw["power"] = op.Power
	n.Raw["mode"] = op.Mode
	n.Raw["setTemp"] = op.SetTemp
	n.Raw["wind"] = op.Wind
	n.Raw["swing"] = op.Swing
	if op.Other != nil {
		n.Raw["other"] = op.Other
	}
	return n
}

// Equal compares the state-bearing fields of two devices
func (d Device) Equal(o Device) bool {
	return d.ID == o.ID &&
		d.Name == o.Name &&
		d.Power == o.Power &&
		d.Mode == o.Mode &&
		d.SetTemp == o.SetTemp &&
		d.FactTemp == o.FactTemp &&
		d.Wind == o.Wind &&
		d.Swing == o.Swing
}

// decode is a mapstructure decoder tolerant to the vendor's habit of sending
// numbers as strings and vice versa.
func decode(input interface{}, output interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// ParseDevice decodes one device object of the getDetails response
func ParseDevice(raw map[string]interface{}) (Device, error) {
	var d Device
	if err := decode(raw, &d); err != nil {
		return d, fmt.Errorf("decode device: %w", err)
	}
	if d.ID == "" {
		return d, fmt.Errorf("device without id: %v", raw["name"])
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	d.Raw = raw
	return d, nil
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
