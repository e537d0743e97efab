// Package client implements the participant side of the verification
// protocol: connect with bounded retry, register, submit fingerprints, and
// block a bounded time for each outcome.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"

	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/wire"
)

type Config struct {
	Addr     string
	Port     int
	Instance int32
	//ConnectAttempts bounds initial-contact retries; the coordinator may not
	//be listening yet when a participant starts.
	ConnectAttempts int
	ConnectBackoff  time.Duration
	//ResponseTimeout bounds the total wait for one validation result.
	ResponseTimeout time.Duration
	//PollInterval slices the wait so interrupted polls are retried instead of
	//treated as failures.
	PollInterval time.Duration
}

func (cfg *Config) withDefaults() {
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 50
	}
	if cfg.ConnectBackoff <= 0 {
		cfg.ConnectBackoff = 100 * time.Millisecond
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
}

type Option func(*Client)

func WithScope(scope tally.Scope) Option {
	return func(c *Client) { c.scope = scope }
}

// WithAbort overrides the fail-fast action taken when a mismatch result is
// received. The default logs the full detail and terminates the process.
func WithAbort(abort func(detail string)) Option {
	return func(c *Client) { c.abort = abort }
}

// Client is one participant's connection to the coordinator. Submit is
// synchronous and must be called from one goroutine at a time, matching the
// instrumented simulation thread that owns it.
type Client struct {
	logger log.Logger
	cfg    Config
	conn   net.Conn
	reader *wire.Reader
	scope  tally.Scope
	abort  func(detail string)
}

// Connect dials the coordinator, retrying initial-contact failures up to the
// configured attempt budget, then registers this instance.
func Connect(cfg Config, opts ...Option) (*Client, error) {
	cfg.withDefaults()
	logger := log.Named("client").With("instance", cfg.Instance)
	c := &Client{
		logger: logger,
		cfg:    cfg,
		scope:  tally.NoopScope,
	}
	c.abort = func(detail string) {
		c.logger.Fatalf("cross-instance state diverged: %s", detail)
	}
	for _, opt := range opts {
		opt(c)
	}

	endpoint := fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port)
	var (
		conn net.Conn
		err  error
	)
	for attempt := 0; attempt < cfg.ConnectAttempts; attempt++ {
		conn, err = net.DialTimeout("tcp", endpoint, cfg.ConnectBackoff)
		if err == nil {
			break
		}
		time.Sleep(cfg.ConnectBackoff)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to connect to coordinator at %s after %d attempts",
			endpoint, cfg.ConnectAttempts)
	}
	c.conn = conn
	c.reader = wire.NewReader(conn)
	if err := wire.Send(conn, wire.Message{Kind: wire.KindRegister, Instance: cfg.Instance}); err != nil {
		_ = conn.Close()
		return nil, errors.WithMessagef(err, "failed to register instance %d", cfg.Instance)
	}
	c.logger.Infof("connected to coordinator at %s", endpoint)
	return c, nil
}

// Submit sends one fingerprint and waits, bounded by ResponseTimeout, for the
// matching result. A timeout is non-fatal: it logs a warning and returns nil
// to keep the caller live. A received mismatch triggers the fail-fast action.
func (c *Client) Submit(seq int64, point int32, fp string) error {
	if err := wire.Send(c.conn, wire.Message{
		Kind:        wire.KindSyncPoint,
		Instance:    c.cfg.Instance,
		Seq:         seq,
		Point:       point,
		Fingerprint: fp,
	}); err != nil {
		return errors.WithMessagef(err, "failed to submit sync point %d", seq)
	}
	c.scope.Counter("sync_points_submitted").Inc(1)

	deadline := time.Now().Add(c.cfg.ResponseTimeout)
	for time.Now().Before(deadline) {
		msg, err := c.reader.Poll(c.cfg.PollInterval)
		switch {
		case err == nil:
		case errors.Is(err, wire.ErrNoData):
			continue
		case errors.Is(err, wire.ErrPeerClosed):
			c.logger.Warnf("connection closed while waiting for sync point %d result", seq)
			return nil
		default:
			return errors.WithMessagef(err, "failed to receive sync point %d result", seq)
		}
		if msg.Kind != wire.KindResult || msg.Seq != seq {
			c.logger.Debugf("ignoring stale %s record for sync point %d", msg.Kind, msg.Seq)
			continue
		}
		if msg.Passed {
			c.scope.Counter("sync_points_matched").Inc(1)
			c.logger.Debugf("sync point %d matched", seq)
			return nil
		}
		c.scope.Counter("sync_points_mismatched").Inc(1)
		detail := fmt.Sprintf("sync point %d: local=%q", seq, fp)
		if msg.Detail != "" {
			detail = fmt.Sprintf("sync point %d: local=%q peer=%q", seq, fp, msg.Detail)
		}
		c.logger.Errorw("synchronized cross-validation failed", "detail", detail)
		c.abort(detail)
		return nil
	}
	c.scope.Counter("sync_points_timed_out").Inc(1)
	c.logger.Warnf("timeout waiting for sync point %d result", seq)
	return nil
}

// Shutdown announces an orderly teardown and closes the connection.
func (c *Client) Shutdown() error {
	if err := wire.Send(c.conn, wire.Message{Kind: wire.KindShutdown, Instance: c.cfg.Instance}); err != nil {
		c.logger.Warnf("failed to send shutdown: %v", err)
	}
	return c.conn.Close()
}

// Close drops the connection without a shutdown record, used on suspend.
func (c *Client) Close() error {
	return c.conn.Close()
}
