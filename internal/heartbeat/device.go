package heartbeat

import (
	"context"
	"os"

	"github.com/danmuck/capturectl/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// DeviceFunc reports current device metadata.
type DeviceFunc func(ctx context.Context) protocol.DeviceInfo

// CollectDevice samples host identity, CPU and memory load. Collector
// failures leave the corresponding fields zero.
func CollectDevice(ctx context.Context) protocol.DeviceInfo {
	info := protocol.DeviceInfo{}
	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
		info.UptimeSeconds = h.Uptime
	} else {
		log.Debug().Err(err).Msg("heartbeat.CollectDevice host info failed")
		info.Hostname, _ = os.Hostname()
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	} else if err != nil {
		log.Debug().Err(err).Msg("heartbeat.CollectDevice cpu percent failed")
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryPercent = vm.UsedPercent
	} else {
		log.Debug().Err(err).Msg("heartbeat.CollectDevice memory failed")
	}
	return info
}
