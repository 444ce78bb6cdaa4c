package node

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/mqtt"
)

// HostStats samples the controller's own health.
type HostStats func(ctx context.Context) mqtt.HeartbeatDTO

// Heartbeater publishes heartbeats; *mqtt.Bridge implements it.
type Heartbeater interface {
	PublishHeartbeat(ctx context.Context, hb mqtt.HeartbeatDTO) error
}

// SampleHost reads cpu, memory, disk, load and uptime. Individual probe
// failures leave their field zero; a heartbeat is always produced.
func SampleHost(ctx context.Context) mqtt.HeartbeatDTO {
	var hb mqtt.HeartbeatDTO
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		hb.CPU = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hb.Memory = vm.UsedPercent
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		hb.Disk = du.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		hb.Load1 = avg.Load1
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		hb.Uptime = float64(up)
	}
	return hb
}

func (n *Node) heartbeat(ctx context.Context) mqtt.HeartbeatDTO {
	hb := n.stats(ctx)
	hb.Node = n.cfg.Name
	hb.Floor = n.cfg.Floor
	hb.Time = time.Now().UTC()
	hb.Occupied = n.tracker.Occupied()
	hb.Degraded = n.link.Degraded()
	hb.GateOpen = n.gateOpen()
	hb.Pending = n.outbox.Pending()
	hb.BoardErrs = n.boardErrors.Load()
	return hb
}

func (n *Node) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		pctx, cancel := context.WithTimeout(ctx, n.cfg.Heartbeat/2)
		err := n.beats.PublishHeartbeat(pctx, n.heartbeat(pctx))
		cancel()
		if err != nil {
			n.log.Debug("heartbeat not published", logger.Error(err))
		}
	}
}
