package node

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/fieldbus"
	"github.com/tphakala/parkctl/internal/gpio"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/mqtt"
	"github.com/tphakala/parkctl/internal/observability"
)

// OpenHardware opens the GPIO chip and, when enabled, the field bus serial
// port. A serial port that cannot be opened leaves the node in degraded
// capture mode rather than failing.
func OpenHardware(s *conf.Settings, log logger.Logger) (Hardware, func(), error) {
	var (
		hw      Hardware
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if s.GPIO.Simulate {
		hw.Chip = gpio.NewSimChip()
	} else {
		chip, err := gpio.OpenSysfs(s.GPIO.SysfsRoot)
		if err != nil {
			return hw, nil, err
		}
		hw.Chip = chip
		closers = append(closers, func() { _ = chip.Close() })
	}

	if s.Node.Floor == 0 && s.FieldBus.Enabled {
		port, err := fieldbus.OpenSerial(s.FieldBus.Port, s.FieldBus.Baud)
		if err != nil {
			log.Warn("field bus unavailable, plate capture degraded",
				logger.String("port", s.FieldBus.Port),
				logger.Error(err))
		} else {
			hw.Bus = port
			closers = append(closers, func() { _ = port.Close() })
		}
	}
	return hw, closeAll, nil
}

// RunNode opens the hardware named by settings and runs a floor controller
// until ctx ends.
func RunNode(ctx context.Context, s *conf.Settings) error {
	log := logger.Global().Module("node")
	if s.Node.Role == conf.RoleCentral {
		return errors.Newf("node role %q cannot run a floor controller", s.Node.Role).
			Component("node").
			Category(errors.CategoryConfiguration).
			Build()
	}

	hw, closeHW, err := OpenHardware(s, log)
	if err != nil {
		return err
	}
	defer closeHW()

	bo := BuildOptions{Logger: log}

	if s.Sentry.Enabled {
		flush, err := observability.InitSentry(s)
		if err != nil {
			return err
		}
		defer flush()
	}
	if s.Telemetry.Enabled {
		if bo.Metrics, err = observability.NewMetrics(); err != nil {
			return err
		}
	}

	var mqttClient mqtt.Client
	if s.MQTT.Enabled {
		var rec mqtt.Recorder
		if bo.Metrics != nil {
			rec = bo.Metrics.MQTT
		}
		mqttClient = mqtt.NewClient(mqtt.ConfigFromSettings(s.MQTT, "parkctl-"+s.Node.Name), rec)
		defer mqttClient.Disconnect()
		bo.Heartbeat = mqtt.NewBridge(mqttClient, s.MQTT.Topic, nil)
	}

	n, err := Build(s, hw, bo)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if mqttClient != nil {
		g.Go(func() error {
			if err := mqttClient.Connect(gctx); err != nil {
				log.Warn("mqtt broker unreachable", logger.Error(err))
			}
			return nil
		})
	}
	if bo.Metrics != nil {
		ep := observability.NewEndpoint(bo.Metrics)
		ep.AddCheck("sync", n.SyncHealth)
		g.Go(func() error { return ep.Run(gctx, s.Telemetry.Listen) })
	}
	g.Go(func() error { return n.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
