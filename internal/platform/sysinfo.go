package platform

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// SystemInfo holds detected host diagnostics
type SystemInfo struct {
	Device       string  `json:"device"`
	Hardware     string  `json:"hardware,omitempty"`
	Revision     string  `json:"revision,omitempty"`
	RaspberryPi  bool    `json:"raspberry_pi"`
	Hostname     string  `json:"hostname"`
	OS           string  `json:"os"`
	Architecture string  `json:"architecture"`
	CPU          string  `json:"cpu"`
	CPUCores     int     `json:"cpu_cores"`
	TotalMemory  uint64  `json:"total_memory"` // in bytes
	FreeMemory   uint64  `json:"free_memory"`  // in bytes
	UsedMemory   uint64  `json:"used_memory"`  // in bytes
	IPAddress    string  `json:"ip_address,omitempty"`
	Interface    string  `json:"interface,omitempty"`
	Load1        float64 `json:"load1"`
	Load5        float64 `json:"load5"`
	Load15       float64 `json:"load15"`
	CPUTempC     float64 `json:"cpu_temp_c,omitempty"`
}

// GetSystemInfo detects and returns system information. Probes that fail
// leave their fields zero.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Device:       "Linux System",
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}
	if runtime.GOOS != "linux" {
		info.Device = strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:] + " System"
	}

	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		board := parseCPUInfo(f)
		f.Close()
		info.Hardware = board.hardware
		info.Revision = board.revision
		if board.isPi {
			info.RaspberryPi = true
			info.Device = board.model
			if info.Device == "" {
				info.Device = "Raspberry Pi"
			}
		}
	}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		if h.Platform != "" {
			info.OS = fmt.Sprintf("%s %s", h.Platform, h.PlatformVersion)
		}
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUCores = n
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPU = cpus[0].ModelName
	}
	if v, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = v.Total
		info.FreeMemory = v.Available
		info.UsedMemory = v.Used
	}
	if avg, err := load.Avg(); err == nil {
		info.Load1, info.Load5, info.Load15 = avg.Load1, avg.Load5, avg.Load15
	}
	if ifaces, err := gnet.Interfaces(); err == nil {
		info.IPAddress, info.Interface = firstIPv4(ifaces)
	}
	if temps, err := host.SensorsTemperatures(); err == nil {
		info.CPUTempC = cpuTemperature(temps)
	}

	return info
}

// String renders the diagnostics as the multi-line report shown by the CLI.
func (s SystemInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", s.Device)
	if s.Hardware != "" {
		fmt.Fprintf(&b, "Hardware: %s\n", s.Hardware)
	}
	if s.Revision != "" {
		fmt.Fprintf(&b, "Revision: %s\n", s.Revision)
	}
	if s.Hostname != "" {
		fmt.Fprintf(&b, "Hostname: %s\n", s.Hostname)
	}
	fmt.Fprintf(&b, "OS: %s (%s)\n", s.OS, s.Architecture)
	if s.CPU != "" {
		fmt.Fprintf(&b, "CPU: %s\n", s.CPU)
	}
	fmt.Fprintf(&b, "CPU Cores: %d\n", s.CPUCores)
	fmt.Fprintf(&b, "Total RAM: %d MB\n", s.TotalMemory/1024/1024)
	fmt.Fprintf(&b, "Free RAM: %d MB\n", s.FreeMemory/1024/1024)
	fmt.Fprintf(&b, "Used RAM: %d MB\n", s.UsedMemory/1024/1024)
	if s.IPAddress != "" {
		fmt.Fprintf(&b, "IP Address: %s (%s)\n", s.IPAddress, s.Interface)
	} else {
		b.WriteString("IP Address: Not found\n")
	}
	fmt.Fprintf(&b, "Load Average: %.2f %.2f %.2f\n", s.Load1, s.Load5, s.Load15)
	if s.CPUTempC > 0 {
		fmt.Fprintf(&b, "CPU Temperature: %.1f°C\n", s.CPUTempC)
	}
	return b.String()
}

type boardInfo struct {
	hardware string
	revision string
	model    string
	isPi     bool
}

// parseCPUInfo extracts board identification from /proc/cpuinfo. Broadcom
// SoCs (BCMxxxx) and "Raspberry Pi" model strings mark a Raspberry Pi.
func parseCPUInfo(r io.Reader) boardInfo {
	var b boardInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Hardware":
			b.hardware = value
		case "Revision":
			b.revision = value
		case "Model":
			b.model = value
		}
	}
	b.isPi = strings.Contains(b.hardware, "BCM") || strings.HasPrefix(b.model, "Raspberry Pi")
	return b
}

// firstIPv4 returns the first IPv4 address of an interface that is up and
// not a loopback.
func firstIPv4(ifaces []gnet.InterfaceStat) (addr, name string) {
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil {
				ip = net.ParseIP(a.Addr)
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4.String(), iface.Name
			}
		}
	}
	return "", ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// cpuTemperature picks the CPU/SoC sensor, falling back to the first one.
func cpuTemperature(temps []host.TemperatureStat) float64 {
	for _, t := range temps {
		k := strings.ToLower(t.SensorKey)
		if strings.Contains(k, "cpu") || strings.Contains(k, "soc") || strings.Contains(k, "thermal_zone0") || strings.Contains(k, "coretemp") {
			return t.Temperature
		}
	}
	if len(temps) > 0 {
		return temps[0].Temperature
	}
	return 0
}
