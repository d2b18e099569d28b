package bluez

import (
	"fmt"
	"net"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// DevicePath builds the Device1 object path of mac under adapter.
func DevicePath(adapter, mac string) string {
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return "/org/bluez/" + adapter + "/dev_" + strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
}

// ResolveDevice accepts either a BlueZ object path or a MAC address.
func ResolveDevice(adapter, remote string) (Device, error) {
	if remote == "" {
		return Device{}, fmt.Errorf("bluez: device required")
	}
	if strings.HasPrefix(remote, "/") {
		p := dbus.ObjectPath(remote)
		if !p.IsValid() {
			return Device{}, fmt.Errorf("bluez: invalid object path %q", remote)
		}
		return Device{Path: remote, MAC: macFromPath(p)}, nil
	}
	hw, err := net.ParseMAC(remote)
	if err != nil || len(hw) != 6 {
		return Device{}, fmt.Errorf("bluez: invalid device address %q", remote)
	}
	mac := strings.ToUpper(hw.String())
	return Device{Path: DevicePath(adapter, mac), MAC: mac}, nil
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, service uuid.UUID) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	vUUIDs, ok := props["UUIDs"]
	if !ok {
		return Device{}, false
	}
	uu, _ := vUUIDs.Value().([]string)
	if !containsUUID(uu, service) {
		return Device{}, false
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}, true
}

func containsUUID(list []string, target uuid.UUID) bool {
	for _, s := range list {
		if u, err := uuid.Parse(s); err == nil && u == target {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}
