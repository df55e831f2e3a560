// Package bluez opens SMP links to peripherals through the BlueZ D-Bus API.
package bluez

import (
	"os"
	"strconv"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	charIface       = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	// SMPCharacteristic is the GATT characteristic carrying SMP frames.
	SMPCharacteristic = "da2e7828-fbce-4e01-ae9e-261174997c48"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Options configure the BlueZ transport.
type Options struct {
	Adapter        string
	ConnectTimeout time.Duration
}

// OptionsFromEnv reads BLUEZ_ADAPTER and BLUEZ_CONNECT_TIMEOUT_MS.
func OptionsFromEnv() Options {
	o := Options{Adapter: "hci0", ConnectTimeout: 10 * time.Second}
	if v := os.Getenv("BLUEZ_ADAPTER"); v != "" {
		o.Adapter = v
	}
	if v := os.Getenv("BLUEZ_CONNECT_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			o.ConnectTimeout = time.Duration(n) * time.Millisecond
		}
	}
	return o
}

// AdapterPath returns the object path of a local adapter.
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// DevicePath returns the object path BlueZ uses for addr under adapter.
func DevicePath(adapter, addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(AdapterPath(adapter)) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+5:]
	if j := strings.IndexByte(mac, '/'); j >= 0 {
		mac = mac[:j]
	}
	return strings.ReplaceAll(mac, "_", ":")
}

// findCharacteristic returns the path of the characteristic with uuid
// below dev, and its negotiated MTU when BlueZ reports one.
func findCharacteristic(objs managedObjects, dev dbus.ObjectPath, uuid string) (dbus.ObjectPath, int, bool) {
	prefix := string(dev) + "/"
	for path, ifaces := range objs {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[charIface]
		if !ok {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, _ := v.Value().(string); !strings.EqualFold(s, uuid) {
			continue
		}
		mtu := 0
		if m, ok := props["MTU"]; ok {
			if n, ok := m.Value().(uint16); ok {
				mtu = int(n)
			}
		}
		return path, mtu, true
	}
	return "", 0, false
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	v, ok := props[name]
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b
}

// packetLimit caps the requested packet size by the ATT MTU minus its 3-byte header.
func packetLimit(requested, mtu int) int {
	if mtu > 3 && (requested <= 0 || requested > mtu-3) {
		return mtu - 3
	}
	return requested
}
