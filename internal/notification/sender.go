package notification

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"slices"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, title, message string) error
}

// ShoutrrrSender sends to every configured service URL.
type ShoutrrrSender struct {
	urls   []string
	sender *router.ServiceRouter
}

// NewShoutrrrSender validates urls and builds one router for all of them.
func NewShoutrrrSender(urls []string, timeout time.Duration) (*ShoutrrrSender, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one notification URL is required")
	}
	sender, err := shoutrrr.CreateSender(urls...)
	if err != nil {
		return nil, fmt.Errorf("invalid notification URL: %s", redactURLs(err.Error()))
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	return &ShoutrrrSender{urls: slices.Clone(urls), sender: sender}, nil
}

// Send delivers to every service and returns the first failure.
func (s *ShoutrrrSender) Send(ctx context.Context, title, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, err := range s.sender.Send(message, &params) {
		if err != nil {
			return fmt.Errorf("notification send: %s", redactURLs(err.Error()))
		}
	}
	return nil
}

// service URLs embed tokens
var urlRE = regexp.MustCompile(`([a-zA-Z][a-zA-Z0-9+.-]*)://[^\s"']+`)

func redactURLs(s string) string {
	return urlRE.ReplaceAllString(s, "$1://[redacted]")
}
