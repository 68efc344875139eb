package hub

import "strings"

// CapabilityCommands lists the commands known for common capabilities.
var CapabilityCommands = map[string][]string{
	"switch":           {"on", "off"},
	"switchLevel":      {"setLevel"},
	"lock":             {"lock", "unlock"},
	"thermostat":       {"setHeatingSetpoint", "setCoolingSetpoint", "setThermostatMode"},
	"colorControl":     {"setColor", "setHue", "setSaturation"},
	"colorTemperature": {"setColorTemperature"},
	"windowShade":      {"open", "close", "pause"},
	"windowShadeLevel": {"setShadeLevel"},
	"fanSpeed":         {"setFanSpeed"},
	"valve":            {"open", "close"},
}

// IgnoredCapabilities are housekeeping capabilities hidden from summaries.
var IgnoredCapabilities = map[string]bool{
	"mediaPresets":               true,
	"firmwareUpdate":             true,
	"healthCheck":                true,
	"threeAxis":                  true,
	"momentary":                  true,
	"refresh":                    true,
	"windowShadePreset":          true,
	"configuration":              true,
	"bridge":                     true,
	"alarm":                      true,
	"statelessPowerToggleButton": true,
}

// measurementAttributes is ordered by preference when inferring which
// history series to read for a device.
var measurementAttributes = []struct {
	capability string
	attribute  string
}{
	{"temperatureMeasurement", "temperature"},
	{"relativeHumidityMeasurement", "humidity"},
	{"powerMeter", "power"},
	{"energyMeter", "energy"},
	{"illuminanceMeasurement", "illuminance"},
	{"carbonDioxideMeasurement", "carbonDioxide"},
	{"airQualitySensor", "airQuality"},
	{"motionSensor", "motion"},
	{"contactSensor", "contact"},
	{"switchLevel", "level"},
	{"switch", "switch"},
	{"lock", "lock"},
}

// PrimaryAttribute returns the attribute normally read for capability.
func PrimaryAttribute(capability string) (string, bool) {
	for _, m := range measurementAttributes {
		if m.capability == capability {
			return m.attribute, true
		}
	}
	return "", false
}

// InferSeries picks the most informative capability/attribute pair from a
// device capability list.
func InferSeries(capabilities []string) (capability, attribute string, ok bool) {
	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[c] = true
	}
	for _, m := range measurementAttributes {
		if have[m.capability] {
			return m.capability, m.attribute, true
		}
	}
	return "", "", false
}

// Ignored reports whether a capability id should be hidden from users.
// Namespaced custom capabilities contain a dot.
func Ignored(capability string) bool {
	return IgnoredCapabilities[capability] || strings.Contains(capability, ".")
}
