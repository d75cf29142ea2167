package platform

import (
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
)

func TestParseCPUInfo(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		isPi     bool
		hardware string
	}{
		{
			name:     "pi 3",
			input:    "processor\t: 0\nHardware\t: BCM2835\nRevision\t: a02082\n",
			isPi:     true,
			hardware: "BCM2835",
		},
		{
			name:  "pi 5 model string",
			input: "Revision\t: d04170\nModel\t\t: Raspberry Pi 5 Model B Rev 1.0\n",
			isPi:  true,
		},
		{
			name:  "x86",
			input: "processor\t: 0\nmodel name\t: Intel(R) Core(TM) i7\n",
			isPi:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := parseCPUInfo(strings.NewReader(tt.input))
			assert.Equal(t, tt.isPi, b.isPi)
			assert.Equal(t, tt.hardware, b.hardware)
		})
	}
}

func TestFirstIPv4(t *testing.T) {
	ifaces := []gnet.InterfaceStat{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []gnet.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
		{Name: "eth0", Flags: []string{"broadcast"}, Addrs: []gnet.InterfaceAddr{{Addr: "10.0.0.2/24"}}},
		{Name: "wlan0", Flags: []string{"up", "broadcast"}, Addrs: []gnet.InterfaceAddr{
			{Addr: "fe80::1/64"},
			{Addr: "192.168.1.20/24"},
		}},
	}
	addr, name := firstIPv4(ifaces)
	assert.Equal(t, "192.168.1.20", addr)
	assert.Equal(t, "wlan0", name)

	addr, name = firstIPv4(ifaces[:2])
	assert.Empty(t, addr)
	assert.Empty(t, name)
}

func TestCPUTemperature(t *testing.T) {
	temps := []host.TemperatureStat{
		{SensorKey: "nvme_composite", Temperature: 38},
		{SensorKey: "cpu_thermal_input", Temperature: 52.5},
	}
	assert.Equal(t, 52.5, cpuTemperature(temps))
	assert.Equal(t, 38.0, cpuTemperature(temps[:1]))
	assert.Zero(t, cpuTemperature(nil))
}

func TestSystemInfoString(t *testing.T) {
	s := SystemInfo{
		Device:       "Raspberry Pi 4",
		OS:           "linux",
		Architecture: "arm64",
		CPUCores:     4,
		TotalMemory:  4 << 30,
	}
	out := s.String()
	assert.Contains(t, out, "Device: Raspberry Pi 4")
	assert.Contains(t, out, "OS: linux (arm64)")
	assert.Contains(t, out, "Total RAM: 4096 MB")
	assert.Contains(t, out, "IP Address: Not found")
	assert.NotContains(t, out, "CPU Temperature")
}

func TestGetSystemInfo(t *testing.T) {
	info := GetSystemInfo()
	assert.NotEmpty(t, info.OS)
	assert.Positive(t, info.CPUCores)
}
