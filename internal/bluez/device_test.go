package bluez

import (
	"testing"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDevice(t *testing.T) {
	tests := []struct {
		name    string
		adapter string
		remote  string
		want    Device
		wantErr bool
	}{
		{
			name:   "mac default adapter",
			remote: "aa:bb:cc:dd:ee:ff",
			want:   Device{Path: "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", MAC: "AA:BB:CC:DD:EE:FF"},
		},
		{
			name:    "mac other adapter",
			adapter: "hci1",
			remote:  "00:11:22:33:44:55",
			want:    Device{Path: "/org/bluez/hci1/dev_00_11_22_33_44_55", MAC: "00:11:22:33:44:55"},
		},
		{
			name:   "object path",
			remote: "/org/bluez/hci0/dev_00_11_22_33_44_55",
			want:   Device{Path: "/org/bluez/hci0/dev_00_11_22_33_44_55", MAC: "00:11:22:33:44:55"},
		},
		{name: "empty", remote: "", wantErr: true},
		{name: "bad mac", remote: "not-a-mac", wantErr: true},
		{name: "eui64", remote: "00:11:22:33:44:55:66:77", wantErr: true},
		{name: "bad path", remote: "/org/bluez/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveDevice(tt.adapter, tt.remote)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeviceFromIfaces(t *testing.T) {
	path := dbus.ObjectPath("/org/bluez/hci0/dev_00_11_22_33_44_55")
	ifaces := map[string]map[string]dbus.Variant{
		deviceIface: {
			"UUIDs": dbus.MakeVariant([]string{"0000110a-0000-1000-8000-00805f9b34fb", "00001101-0000-1000-8000-00805F9B34FB"}),
			"Name":  dbus.MakeVariant("HC-05"),
			"Alias": dbus.MakeVariant("vibration sensor"),
		},
	}

	dev, ok := deviceFromIfaces(path, ifaces, SPPUUID)
	require.True(t, ok)
	assert.Equal(t, Device{
		Path:  string(path),
		MAC:   "00:11:22:33:44:55",
		Name:  "HC-05",
		Alias: "vibration sensor",
	}, dev)

	other := SPPUUID
	other[3] = 0x02
	_, ok = deviceFromIfaces(path, ifaces, other)
	assert.False(t, ok)

	_, ok = deviceFromIfaces(path, map[string]map[string]dbus.Variant{adapterIface: {}}, SPPUUID)
	assert.False(t, ok)
}

func TestMACFromPath(t *testing.T) {
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", macFromPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"))
	assert.Empty(t, macFromPath("/org/bluez/hci0"))
}
