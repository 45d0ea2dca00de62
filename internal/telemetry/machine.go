// Package telemetry samples machine and process health for heartbeats.
package telemetry

import (
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/openviber/openviber/pkg/protocol"
)

// apfsDataVolume is the macOS APFS data volume. When it is mounted, the
// root volume reports the same container and is dropped from disk stats.
const apfsDataVolume = "/System/Volumes/Data"

// Collector samples machine state. Per-core CPU usage is computed by
// differencing two jiffies samples, so the first snapshot after start
// reports zero usage.
type Collector struct {
	mu       sync.Mutex
	prevCPU  []cpu.TimesStat
	cpuModel string
	startAt  time.Time
	proc     *process.Process
}

// NewCollector creates a machine telemetry collector.
func NewCollector() *Collector {
	c := &Collector{startAt: time.Now()}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		c.cpuModel = infos[0].ModelName
	}
	return c
}

// ProcessUptime returns seconds since the collector was created.
func (c *Collector) ProcessUptime() float64 {
	return time.Since(c.startAt).Seconds()
}

// ProcessMemory samples the daemon's own memory footprint.
func (c *Collector) ProcessMemory() protocol.ProcessMemory {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	pm := protocol.ProcessMemory{
		HeapTotal: ms.HeapSys,
		HeapUsed:  ms.HeapAlloc,
		External:  ms.StackSys,
	}
	if c.proc != nil {
		if mi, err := c.proc.MemoryInfo(); err == nil {
			pm.RSS = mi.RSS
		}
	}
	return pm
}

// Machine collects the full machine snapshot. Collection failures degrade
// to partial snapshots rather than errors; heartbeats must always ship.
func (c *Collector) Machine() *protocol.MachineSnapshot {
	snap := &protocol.MachineSnapshot{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	if hi, err := host.Info(); err == nil {
		snap.Hostname = hi.Hostname
		snap.UptimeSec = hi.Uptime
	} else if hn, herr := os.Hostname(); herr == nil {
		snap.Hostname = hn
	}

	snap.CPU = c.sampleCPU()

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.Memory = protocol.MemorySnapshot{
			Total:       vm.Total,
			Used:        vm.Used,
			Free:        vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	}

	snap.Disks = collectDisks()

	if la, err := load.Avg(); err == nil {
		snap.LoadAvg = [3]float64{la.Load1, la.Load5, la.Load15}
	}

	snap.Interfaces = collectInterfaces()
	return snap
}

// sampleCPU differences the current jiffies against the previous sample.
func (c *Collector) sampleCPU() protocol.CPUSnapshot {
	out := protocol.CPUSnapshot{Model: c.cpuModel}
	if n, err := cpu.Counts(true); err == nil {
		out.Cores = n
	}

	cur, err := cpu.Times(true)
	if err != nil {
		slog.Debug("telemetry.cpu_sample_failed", "error", err)
		return out
	}

	c.mu.Lock()
	prev := c.prevCPU
	c.prevCPU = cur
	c.mu.Unlock()

	out.PerCore = make([]float64, len(cur))
	if len(prev) != len(cur) {
		// First sample (or core count changed): no baseline yet.
		return out
	}

	var sum float64
	for i := range cur {
		total := cpuTotal(cur[i]) - cpuTotal(prev[i])
		idle := (cur[i].Idle + cur[i].Iowait) - (prev[i].Idle + prev[i].Iowait)
		if total > 0 {
			pct := 100 * (total - idle) / total
			if pct < 0 {
				pct = 0
			}
			out.PerCore[i] = pct
			sum += pct
		}
	}
	if len(cur) > 0 {
		out.Average = sum / float64(len(cur))
	}
	return out
}

func cpuTotal(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq +
		t.Softirq + t.Steal + t.Guest + t.GuestNice
}

func collectDisks() []protocol.DiskSnapshot {
	parts, err := disk.Partitions(false)
	if err != nil {
		return nil
	}

	var disks []protocol.DiskSnapshot
	for _, p := range parts {
		usage, err := disk.Usage(p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		disks = append(disks, protocol.DiskSnapshot{
			Mount:       p.Mountpoint,
			FSType:      p.Fstype,
			Total:       usage.Total,
			Used:        usage.Used,
			Available:   usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}
	return DedupeAPFS(disks)
}

// DedupeAPFS drops the root volume when the APFS data volume is present;
// both report the same container and counting it twice inflates totals.
func DedupeAPFS(disks []protocol.DiskSnapshot) []protocol.DiskSnapshot {
	hasData := false
	for _, d := range disks {
		if d.Mount == apfsDataVolume {
			hasData = true
			break
		}
	}
	if !hasData {
		return disks
	}
	out := disks[:0]
	for _, d := range disks {
		if d.Mount == "/" {
			continue
		}
		out = append(out, d)
	}
	return out
}

func collectInterfaces() []protocol.NetInterfaceSnapshot {
	ifs, err := gnet.Interfaces()
	if err != nil {
		return nil
	}

	var out []protocol.NetInterfaceSnapshot
	for _, ifc := range ifs {
		if hasFlag(ifc.Flags, "loopback") || !hasFlag(ifc.Flags, "up") {
			continue
		}
		ni := protocol.NetInterfaceSnapshot{Name: ifc.Name, MAC: ifc.HardwareAddr}
		for _, addr := range ifc.Addrs {
			ip := stripCIDR(addr.Addr)
			if ip == "" {
				continue
			}
			if isIPv4(ip) {
				ni.IPv4 = append(ni.IPv4, ip)
			} else {
				ni.IPv6 = append(ni.IPv6, ip)
			}
		}
		if len(ni.IPv4) > 0 || len(ni.IPv6) > 0 {
			out = append(out, ni)
		}
	}
	return out
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func stripCIDR(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}

func isIPv4(ip string) bool {
	for i := 0; i < len(ip); i++ {
		switch ip[i] {
		case '.':
			return true
		case ':':
			return false
		}
	}
	return false
}
