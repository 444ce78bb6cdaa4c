package snapshot

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// ClientConfig holds node-side sync timing.
type ClientConfig struct {
	Addr           string
	Interval       time.Duration
	Timeout        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	MaxAttempts    int
	Cooldown       time.Duration
}

// SyncRecorder receives exchange outcomes.
type SyncRecorder interface {
	RecordExchange(floor int, err error, elapsed time.Duration)
	RecordDegraded(floor int, degraded bool)
}

// Client exchanges vectors with the central on a persistent connection.
type Client struct {
	cfg      ClientConfig
	floor    int
	dial     func(ctx context.Context, addr string) (net.Conn, error)
	sleep    func(context.Context, time.Duration) error
	log      logger.Logger
	recorder SyncRecorder

	mu       sync.Mutex
	conn     net.Conn
	degraded bool
	failures int
	backoff  time.Duration
	lastCmd  Command
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDialer replaces the TCP dialer.
func WithDialer(fn func(ctx context.Context, addr string) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dial = fn }
}

// WithClientSleeper replaces the backoff sleep.
func WithClientSleeper(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = fn }
}

// WithClientLogger sets the module logger.
func WithClientLogger(l logger.Logger) ClientOption { return func(c *Client) { c.log = l } }

// WithSyncRecorder attaches a metrics recorder.
func WithSyncRecorder(r SyncRecorder) ClientOption { return func(c *Client) { c.recorder = r } }

// NewClient creates a client for the node on floor.
func NewClient(floor int, cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	c := &Client{
		cfg:     cfg,
		floor:   floor,
		sleep:   sleepCtx,
		log:     logger.Global().Module("snapshot"),
		backoff: cfg.BackoffInitial,
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.cfg.Timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Degraded reports whether the client is sitting out a cool-down.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// LastCommand returns the most recent command; flags go stale while the
// central is unreachable.
func (c *Client) LastCommand() Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCmd
}

// Exchange sends one report and reads the reply, dialing first if needed.
func (c *Client) Exchange(ctx context.Context, r NodeReport) (Command, error) {
	start := time.Now()
	cmd, err := c.exchange(ctx, r)
	elapsed := time.Since(start)
	if c.recorder != nil {
		c.recorder.RecordExchange(c.floor, err, elapsed)
	}
	if err != nil {
		c.closeConn()
		return Command{}, errors.New(err).
			Component("snapshot").
			Category(errors.CategorySync).
			Context("floor", c.floor).
			Context("central", c.cfg.Addr).
			Timing("exchange", elapsed).
			Build()
	}
	c.mu.Lock()
	c.lastCmd = cmd
	c.mu.Unlock()
	return cmd, nil
}

func (c *Client) exchange(ctx context.Context, r NodeReport) (Command, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return Command{}, err
	}
	if err := conn.SetDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return Command{}, err
	}
	if err := WriteVector(conn, r.Encode()); err != nil {
		return Command{}, err
	}
	n := CommandWords
	if r.Floor == 0 {
		n += GroundExtra
	}
	v, err := ReadVector(conn, n)
	if err != nil {
		return Command{}, err
	}
	return DecodeCommand(v)
}

func (c *Client) connection(ctx context.Context) (net.Conn, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}
	conn, err := c.dial(ctx, c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info("connected to central", logger.String("address", c.cfg.Addr), logger.Int("floor", c.floor))
	return conn, nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close drops the connection.
func (c *Client) Close() error {
	c.closeConn()
	return nil
}

// Run exchanges every interval. build produces the next report; apply
// receives each command along with the event sequences the report carried.
// Failures back off exponentially; after MaxAttempts consecutive failures the
// client enters degraded mode for the cool-down and the node keeps running
// on its last flags.
func (c *Client) Run(ctx context.Context, build func() (NodeReport, []int), apply func(Command, []int)) error {
	defer c.closeConn()
	for {
		report, sent := build()
		cmd, err := c.Exchange(ctx, report)
		if ctx.Err() != nil {
			return nil
		}

		wait := c.cfg.Interval
		if err != nil {
			wait = c.onFailure(err)
		} else {
			c.onSuccess()
			apply(cmd, sent)
		}

		if err := c.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (c *Client) onSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.degraded || c.failures > 0 {
		c.log.Info("central sync restored", logger.Int("floor", c.floor), logger.Int("failures", c.failures))
	}
	if c.degraded && c.recorder != nil {
		c.recorder.RecordDegraded(c.floor, false)
	}
	c.failures = 0
	c.degraded = false
	c.backoff = c.cfg.BackoffInitial
}

// onFailure returns how long to wait before the next attempt.
func (c *Client) onFailure(err error) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++

	if c.failures >= c.cfg.MaxAttempts {
		if !c.degraded {
			c.log.Warn("central unreachable, entering degraded mode",
				logger.Int("floor", c.floor),
				logger.Int("attempts", c.failures),
				logger.Duration("cooldown", c.cfg.Cooldown),
				logger.Error(err))
			if c.recorder != nil {
				c.recorder.RecordDegraded(c.floor, true)
			}
		}
		c.degraded = true
		c.failures = 0
		c.backoff = c.cfg.BackoffInitial
		return c.cfg.Cooldown
	}

	wait := c.backoff
	c.log.Debug("sync exchange failed",
		logger.Int("floor", c.floor),
		logger.Int("attempt", c.failures),
		logger.Duration("retry_in", wait),
		logger.Error(err))
	c.backoff = min(c.backoff*2, c.cfg.BackoffMax)
	return wait
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
