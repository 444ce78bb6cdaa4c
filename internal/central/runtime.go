package central

import (
	"context"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/console"
	"github.com/tphakala/parkctl/internal/datastore"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/events"
	"github.com/tphakala/parkctl/internal/ledger"
	"github.com/tphakala/parkctl/internal/logger"
	"github.com/tphakala/parkctl/internal/mqtt"
	"github.com/tphakala/parkctl/internal/notification"
	"github.com/tphakala/parkctl/internal/observability"
	"github.com/tphakala/parkctl/internal/observability/metrics"
	"github.com/tphakala/parkctl/internal/snapshot"
)

const (
	busShutdownTimeout = 5 * time.Second
	healthTimeout      = 2 * time.Second
)

// LedgerConfig derives the ledger policy from settings.
func LedgerConfig(s *conf.Settings) ledger.Config {
	cfg := ledger.DefaultConfig()
	if len(s.Facility.Floors) > 0 {
		cfg.Floors = cfg.Floors[:0]
		for _, f := range s.Facility.Floors {
			cfg.Floors = append(cfg.Floors, ledger.FloorCapacity{
				Floor: f.Floor, PCD: f.PCD, Elderly: f.Elderly, Regular: f.Regular,
			})
		}
	}
	if s.Facility.UnitRate > 0 {
		cfg.UnitRate = s.Facility.UnitRate
	}
	if s.Ledger.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = s.Ledger.ConfidenceThreshold
	}
	if s.Ledger.MaxTickets > 0 {
		cfg.MaxTickets = s.Ledger.MaxTickets
	}
	if s.Ledger.MaxAlerts > 0 {
		cfg.MaxAlerts = s.Ledger.MaxAlerts
	}
	if s.Ledger.CaptureTTL > 0 {
		cfg.CaptureTTL = s.Ledger.CaptureTTL
	}
	return cfg
}

// Runtime owns the central's collaborators for one run.
type Runtime struct {
	settings *conf.Settings
	log      logger.Logger

	Service *Service
	Console *console.Console
	Bus     *events.Bus
	Server  *snapshot.Server
	Metrics *observability.Metrics
	Journal *datastore.Journal
	Bridge  *mqtt.Bridge

	mqttClient mqtt.Client
	closers    []func()
}

// NewRuntime builds the bus, ledger, journal, notifier, MQTT bridge and
// metrics from settings and binds the snapshot listener. Close releases
// what was opened, also after a failed build.
func NewRuntime(settings *conf.Settings) (rt *Runtime, err error) {
	rt = &Runtime{settings: settings, log: logger.Global().Module("central")}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if settings.Telemetry.Enabled {
		if rt.Metrics, err = observability.NewMetrics(); err != nil {
			return rt, err
		}
	}

	rt.Bus = events.New(events.DefaultConfig(), logger.Global().Module("events"))
	rt.onClose(func() {
		if err := rt.Bus.Shutdown(busShutdownTimeout); err != nil {
			rt.log.Warn("event bus shutdown", logger.Error(err))
		}
	})
	errors.SetEventPublisher(events.NewErrorPublisher(rt.Bus))
	rt.onClose(func() { errors.SetEventPublisher(nil) })

	if settings.Sentry.Enabled {
		var flush func()
		if flush, err = observability.InitSentry(settings); err != nil {
			return rt, err
		}
		rt.onClose(flush)
	}

	if err = rt.Bus.Subscribe(events.NewLogConsumer(nil)); err != nil {
		return rt, err
	}
	if settings.Journal.Enabled {
		if rt.Journal, err = datastore.Open(settings.Journal, logger.Global().Module("datastore")); err != nil {
			return rt, err
		}
		j := rt.Journal
		rt.onClose(func() { _ = j.Close() })
		if err = rt.Bus.Subscribe(j); err != nil {
			return rt, err
		}
	}
	if settings.Notification.Enabled {
		if err = rt.subscribeNotifier(); err != nil {
			return rt, err
		}
	}
	if settings.MQTT.Enabled {
		rt.mqttClient = mqtt.NewClient(mqtt.ConfigFromSettings(settings.MQTT, "parkctl-"+settings.Node.Name+"-central"), rt.mqttRecorder())
		rt.onClose(rt.mqttClient.Disconnect)
		rt.Bridge = mqtt.NewBridge(rt.mqttClient, settings.MQTT.Topic, rt.commandRecorder())
		if err = rt.Bus.Subscribe(rt.Bridge); err != nil {
			return rt, err
		}
	}

	opts := []Option{WithPublisher(rt.Bus)}
	if rt.Metrics != nil {
		opts = append(opts, WithRecorder(rt.Metrics.Ledger))
		if err = metrics.NewEventBusMetrics(rt.Metrics.Registry(), rt.Bus); err != nil {
			return rt, err
		}
	}
	rt.Service = New(ledger.New(LedgerConfig(settings)), dedupTTL(settings), opts...)
	rt.Console = console.New(rt.Service)

	rt.Server = snapshot.NewServer(rt.Service, settings.Sync.Timeout, logger.Global().Module("snapshot"))
	if err = rt.Server.Listen(settings.Sync.Listen); err != nil {
		return rt, err
	}
	return rt, nil
}

// dedupTTL keeps applied event keys well past the longest node cool-down.
func dedupTTL(s *conf.Settings) time.Duration {
	return max(10*time.Minute, 4*(s.Sync.Cooldown+s.Sync.BackoffMax))
}

// nodeSilence is how long a floor may go without reporting before /healthz
// degrades.
func nodeSilence(s *conf.Settings) time.Duration {
	return max(time.Minute, 2*(s.Sync.Cooldown+s.Sync.BackoffMax))
}

func (rt *Runtime) onClose(fn func()) { rt.closers = append(rt.closers, fn) }

func (rt *Runtime) subscribeNotifier() error {
	n := rt.settings.Notification
	sender, err := notification.NewShoutrrrSender(n.URLs, n.Timeout)
	if err != nil {
		return err
	}
	opts := []notification.Option{notification.WithSite(rt.settings.Node.Name)}
	if rt.Metrics != nil {
		opts = append(opts, notification.WithRecorder(rt.Metrics.Notification))
	}
	return rt.Bus.Subscribe(notification.New(sender, n.MinGap, n.Timeout, opts...))
}

func (rt *Runtime) mqttRecorder() mqtt.Recorder {
	if rt.Metrics == nil {
		return nil
	}
	return rt.Metrics.MQTT
}

func (rt *Runtime) commandRecorder() mqtt.CommandRecorder {
	if rt.Metrics == nil {
		return nil
	}
	return rt.Metrics.MQTT
}

// Run serves nodes, the metrics endpoint, MQTT commands and, when in is not
// nil, the operator console until ctx ends or the operator quits.
func (rt *Runtime) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	op := rt.Console

	g.Go(func() error { return rt.Server.Serve(gctx) })

	if rt.Metrics != nil {
		ep := observability.NewEndpoint(rt.Metrics)
		silence := nodeSilence(rt.settings)
		ep.AddCheck("nodes", func() error { return rt.Service.NodeHealth(silence) })
		if rt.Journal != nil {
			ep.AddCheck("journal", func() error {
				hctx, hcancel := context.WithTimeout(gctx, healthTimeout)
				defer hcancel()
				_, err := rt.Journal.Count(hctx)
				return err
			})
		}
		g.Go(func() error { return ep.Run(gctx, rt.settings.Telemetry.Listen) })
	}

	if rt.mqttClient != nil {
		g.Go(func() error {
			if err := rt.mqttClient.Connect(gctx); err != nil {
				// the bridge skips events while disconnected; paho keeps retrying
				rt.log.Warn("mqtt broker unreachable", logger.Error(err))
			}
			if err := rt.Bridge.ServeCommands(gctx, op.Execute); err != nil {
				rt.log.Warn("mqtt command topic not subscribed", logger.Error(err))
			}
			return nil
		})
	}

	if in != nil {
		g.Go(func() error {
			err := op.Run(gctx, in, out)
			cancel()
			return err
		})
	}

	rt.log.Info("central running",
		logger.String("listen", rt.Server.Addr().String()),
		logger.Int("capacity", rt.Service.Capacity().Capacity))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases everything NewRuntime opened, in reverse order.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// RunCentral builds a runtime from settings and runs it on stdin/stdout.
func RunCentral(ctx context.Context, settings *conf.Settings, interactive bool) error {
	rt, err := NewRuntime(settings)
	if err != nil {
		return err
	}
	defer rt.Close()
	var in io.Reader
	if interactive {
		in = os.Stdin
	}
	return rt.Run(ctx, in, os.Stdout)
}
