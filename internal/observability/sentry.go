package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/errors"
)

const sentryFlushTimeout = 2 * time.Second

// InitSentry starts the Sentry client and routes built errors to it. The
// returned func detaches the reporter and flushes pending events.
func InitSentry(settings *conf.Settings) (func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:        settings.Sentry.DSN,
		SampleRate: 1.0,
		Release:    fmt.Sprintf("parkctl@%s", settings.Version),
		ServerName: settings.Node.Name,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			// no user or request data leaves the node
			event.User = sentry.User{}
			event.Request = nil
			return event
		},
	})
	if err != nil {
		return func() {}, errors.New(err).
			Component("observability").
			Category(errors.CategoryConfiguration).
			Context("operation", "sentry_init").
			Build()
	}
	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	log.Info("sentry error reporting enabled")
	return func() {
		errors.SetTelemetryReporter(nil)
		sentry.Flush(sentryFlushTimeout)
	}, nil
}
