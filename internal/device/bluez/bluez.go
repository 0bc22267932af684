// Package bluez implements device.Adapter on top of the BlueZ D-Bus API.
//
// The service-record strategy asks BlueZ to connect the serial port profile and receives
// the RFCOMM socket through an exported org.bluez.Profile1 object. The fixed-channel
// strategy dials an RFCOMM socket directly, skipping SDP.
package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/srg/btspp/internal/device"
)

const (
	bluezService        = "org.bluez"
	bluezRoot           = dbus.ObjectPath("/org/bluez")
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	profileIface        = "org.bluez.Profile1"
	profileManagerIface = "org.bluez.ProfileManager1"
	objManagerIface     = "org.freedesktop.DBus.ObjectManager"
	propsIface          = "org.freedesktop.DBus.Properties"

	profilePathPrefix = "/org/btspp/profile"
)

// DefaultAdapterName is the controller used when none is configured
const DefaultAdapterName = "hci0"

// Options configures the BlueZ adapter
type Options struct {
	AdapterName string // controller name, e.g. "hci0"
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// adapterPath returns the object path for a controller name
func adapterPath(name string) dbus.ObjectPath {
	if name == "" {
		name = DefaultAdapterName
	}
	return dbus.ObjectPath(string(bluezRoot) + "/" + name)
}

// devicePath returns the object path BlueZ uses for addr under the given controller
func devicePath(adapter dbus.ObjectPath, addr device.Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapter) + "/" + addr.PathSegment())
}

// stateFromProps maps Adapter1 properties to the host state codes.
// PowerState is preferred when BlueZ exposes it; older daemons only report Powered.
func stateFromProps(props map[string]dbus.Variant) device.AdapterState {
	if v, ok := props["PowerState"]; ok {
		if s, ok := v.Value().(string); ok {
			switch s {
			case "on":
				return device.StateOn
			case "off-enabling":
				return device.StateTurningOn
			case "on-disabling":
				return device.StateTurningOff
			default:
				return device.StateOff
			}
		}
	}
	if boolProp(props, "Powered") {
		return device.StateOn
	}
	return device.StateOff
}

// bondedFromProps converts Device1 properties to a BondedDevice.
// ok is false when the device is neither paired nor bonded.
func bondedFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (device.BondedDevice, bool) {
	if !boolProp(props, "Paired") && !boolProp(props, "Bonded") {
		return device.BondedDevice{}, false
	}

	addr := stringProp(props, "Address")
	if parsed, err := device.ParseAddress(addr); err == nil {
		addr = parsed.String()
	} else if fromPath := device.AddressFromPath(string(path)); fromPath != "" {
		addr = fromPath.String()
	}
	if addr == "" {
		return device.BondedDevice{}, false
	}

	name := stringProp(props, "Alias")
	if name == "" {
		name = stringProp(props, "Name")
	}

	return device.BondedDevice{
		Name:        name,
		Address:     addr,
		Type:        deviceTypeFromProps(props),
		IsConnected: false,
	}, true
}

// deviceTypeFromProps infers the transport from what BlueZ knows about the device:
// a Class of Device implies BR/EDR; a random address or GAP appearance implies LE.
func deviceTypeFromProps(props map[string]dbus.Variant) device.DeviceType {
	_, hasClass := props["Class"]
	_, hasAppearance := props["Appearance"]
	le := hasAppearance || strings.EqualFold(stringProp(props, "AddressType"), "random")

	switch {
	case hasClass && le:
		return device.DeviceTypeDual
	case hasClass:
		return device.DeviceTypeClassic
	case le:
		return device.DeviceTypeLE
	default:
		return device.DeviceTypeUnknown
	}
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

func stringProp(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}
