package node

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ttheew/symphony/pkg/types"
)

// CollectStatic gathers the host facts declared once in NodeHello.
// Collection failures degrade to zero values rather than blocking the
// handshake.
func CollectStatic() types.StaticResources {
	var static types.StaticResources

	if cores, err := cpu.Counts(true); err == nil {
		static.LogicalCores = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		static.MemoryBytes = vm.Total
	}
	if parts, err := disk.Partitions(false); err == nil {
		for _, p := range parts {
			usage, err := disk.Usage(p.Mountpoint)
			if err != nil {
				continue
			}
			static.StorageMounts = append(static.StorageMounts, types.StorageMount{
				MountPoint: p.Mountpoint,
				FSType:     p.Fstype,
				TotalBytes: usage.Total,
			})
		}
	}
	return static
}

// CollectDynamic samples the live resource picture carried on heartbeats.
func CollectDynamic() types.DynamicResources {
	dyn := types.DynamicResources{TimestampUnixMs: types.NowMs()}

	if totals, err := cpu.Percent(0, false); err == nil && len(totals) > 0 {
		dyn.CPUTotalPercent = totals[0]
	}
	if perCore, err := cpu.Percent(0, true); err == nil {
		dyn.CPUPerCore = perCore
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		dyn.MemoryUsedBytes = vm.Used
		dyn.MemoryFreeBytes = vm.Available
	}
	if parts, err := disk.Partitions(false); err == nil {
		for _, p := range parts {
			usage, err := disk.Usage(p.Mountpoint)
			if err != nil {
				continue
			}
			dyn.StorageMounts = append(dyn.StorageMounts, types.StorageMount{
				MountPoint:     p.Mountpoint,
				FSType:         p.Fstype,
				TotalBytes:     usage.Total,
				UsedBytes:      usage.Used,
				AvailableBytes: usage.Free,
				UsedPercent:    usage.UsedPercent,
			})
		}
	}
	return dyn
}
