package nodeagent

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/fleetward/control-plane/internal/domain"
)

// collectMetrics snapshots the local host's resource usage for a heartbeat.
// Any individual collector failing degrades that section to its zero value
// rather than aborting the whole heartbeat -- a node with one flaky sensor
// should still report the metrics it can gather.
func collectMetrics(ctx context.Context) domain.SystemMetrics {
	var m domain.SystemMetrics

	if pcts, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		m.CPUPct = pcts[0]
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.ProcessorCount = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemUsedBytes = vm.Used
		m.MemTotalBytes = vm.Total
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, p := range parts {
			usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
			if err != nil {
				continue
			}
			m.Disks = append(m.Disks, domain.DiskMetric{
				Mount:      p.Mountpoint,
				TotalBytes: usage.Total,
				FreeBytes:  usage.Free,
			})
		}
	}

	if ios, err := gnet.IOCountersWithContext(ctx, true); err == nil {
		for _, io := range ios {
			m.NICs = append(m.NICs, domain.NICMetric{
				Name:     io.Name,
				BytesIn:  io.BytesRecv,
				BytesOut: io.BytesSent,
			})
		}
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		m.UptimeSec = info.Uptime
	}

	return m
}

// collectHardware snapshots the static hardware inventory reported once at
// enrollment; heartbeat payloads do not carry it.
func collectHardware(ctx context.Context) domain.Hardware {
	var hw domain.Hardware

	if info, err := host.InfoWithContext(ctx); err == nil {
		hw.Hostname = info.Hostname
		hw.OSVersion = info.Platform + " " + info.PlatformVersion
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw.CPUCores = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.RAMBytes = vm.Total
	}
	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil && len(parts) > 0 {
		if usage, err := disk.UsageWithContext(ctx, parts[0].Mountpoint); err == nil {
			hw.DiskBytes = usage.Total
		}
	}
	return hw
}
