// Package sysinfo gathers host statistics for the badge status page.
package sysinfo

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// CPUInfo holds CPU information.
type CPUInfo struct {
	Overall   float64
	Load1     float64
	Load5     float64
	Load15    float64
	Temp      float64 // Celsius, 0 if unavailable
	CoreCount int
}

// GetCPUInfo samples CPU usage over interval. A zero interval compares
// against the previous call.
func GetCPUInfo(ctx context.Context, interval time.Duration) (*CPUInfo, error) {
	overall, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}

	info := &CPUInfo{}
	if len(overall) > 0 {
		info.Overall = overall[0]
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CoreCount = n
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1 = avg.Load1
		info.Load5 = avg.Load5
		info.Load15 = avg.Load15
	}

	if temps, err := host.SensorsTemperaturesWithContext(ctx); err == nil {
		info.Temp = cpuTemperature(temps)
	}

	return info, nil
}

var cpuSensors = map[string]bool{
	"coretemp":    true,
	"k10temp":     true,
	"cpu_thermal": true,
	"zenpower":    true,
}

func cpuTemperature(temps []host.TemperatureStat) float64 {
	for _, t := range temps {
		if cpuSensors[t.SensorKey] {
			return t.Temperature
		}
	}
	if len(temps) > 0 {
		return temps[0].Temperature
	}
	return 0
}

// MemInfo holds memory information.
type MemInfo struct {
	Total       uint64
	Used        uint64
	UsedPercent float64
	SwapTotal   uint64
	SwapUsed    uint64
}

// GetMemInfo returns current memory information.
func GetMemInfo(ctx context.Context) (*MemInfo, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}

	info := &MemInfo{
		Total:       vm.Total,
		Used:        vm.Used,
		UsedPercent: vm.UsedPercent,
	}

	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		info.SwapTotal = swap.Total
		info.SwapUsed = swap.Used
	}

	return info, nil
}

// HostInfo identifies the machine.
type HostInfo struct {
	Hostname string
	Platform string
	Uptime   time.Duration
}

// GetHostInfo returns the hostname, platform and uptime.
func GetHostInfo(ctx context.Context) (*HostInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}
	platform := hi.Platform
	if hi.PlatformVersion != "" {
		platform += " " + hi.PlatformVersion
	}
	return &HostInfo{
		Hostname: hi.Hostname,
		Platform: platform,
		Uptime:   time.Duration(hi.Uptime) * time.Second,
	}, nil
}

// ProcessMemInfo holds memory use for a group of processes.
type ProcessMemInfo struct {
	Name  string
	RSS   uint64
	Count int
}

var processGroups = []struct {
	pattern *regexp.Regexp
	name    string
}{
	{regexp.MustCompile(`^(chrome|chromium|Chrome|Chromium)$`), "chrome"},
	{regexp.MustCompile(`^(firefox|Firefox|firefox-esr)$`), "firefox"},
	{regexp.MustCompile(`^(code|Code|code-oss)$`), "code"},
	{regexp.MustCompile(`^(node|nodejs)$`), "node"},
	{regexp.MustCompile(`^python[0-9.]*$`), "python"},
	{regexp.MustCompile(`^(docker|dockerd|containerd)$`), "docker"},
	{regexp.MustCompile(`^gnome-`), "gnome"},
	{regexp.MustCompile(`^systemd`), "systemd"},
}

func processGroup(name string) string {
	for _, g := range processGroups {
		if g.pattern.MatchString(name) {
			return g.name
		}
	}
	return name
}

// TopProcesses returns the n largest process groups by resident memory.
func TopProcesses(ctx context.Context, n int) ([]ProcessMemInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	groups := make(map[string]*ProcessMemInfo)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		mi, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		group := processGroup(name)
		g, ok := groups[group]
		if !ok {
			g = &ProcessMemInfo{Name: group}
			groups[group] = g
		}
		g.RSS += mi.RSS
		g.Count++
	}

	return topGroups(groups, n), nil
}

func topGroups(groups map[string]*ProcessMemInfo, n int) []ProcessMemInfo {
	result := make([]ProcessMemInfo, 0, len(groups))
	for _, g := range groups {
		result = append(result, *g)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].RSS != result[j].RSS {
			return result[i].RSS > result[j].RSS
		}
		return result[i].Name < result[j].Name
	})
	if n >= 0 && len(result) > n {
		result = result[:n]
	}
	return result
}

// Snapshot is everything the status page shows.
type Snapshot struct {
	Host *HostInfo
	CPU  *CPUInfo
	Mem  *MemInfo
	Top  []ProcessMemInfo
}

// Collect gathers a Snapshot. Host and process data are optional; CPU and
// memory failures are returned.
func Collect(ctx context.Context, interval time.Duration, topN int) (*Snapshot, error) {
	cpuInfo, err := GetCPUInfo(ctx, interval)
	if err != nil {
		return nil, err
	}
	memInfo, err := GetMemInfo(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{CPU: cpuInfo, Mem: memInfo}
	if hi, err := GetHostInfo(ctx); err == nil {
		snap.Host = hi
	}
	if topN > 0 {
		if top, err := TopProcesses(ctx, topN); err == nil {
			snap.Top = top
		}
	}
	return snap, nil
}

// FormatBytes formats bytes to a short human-readable string.
func FormatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return strconv.FormatFloat(float64(b)/GB, 'f', 1, 64) + "G"
	case b >= MB:
		return strconv.Itoa(int(float64(b)/MB+0.5)) + "M"
	case b >= KB:
		return strconv.Itoa(int(float64(b)/KB+0.5)) + "K"
	default:
		return strconv.FormatUint(b, 10) + "B"
	}
}

// FormatUptime renders d as days, hours and minutes.
func FormatUptime(d time.Duration) string {
	d = d.Truncate(time.Minute)
	days := int(d / (24 * time.Hour))
	hours := int(d%(24*time.Hour)) / int(time.Hour)
	mins := int(d%time.Hour) / int(time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}
