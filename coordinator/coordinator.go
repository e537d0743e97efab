// Package coordinator owns the listening endpoint of a verification run. A
// single control goroutine multiplexes every participant connection, drives
// the barrier tracker, and broadcasts outcomes. Exactly one instance
// (conventionally 0) hosts a Coordinator next to its own client.
package coordinator

import (
	_c "context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"

	"github.com/replicheck/replicheck/barrier"
	"github.com/replicheck/replicheck/common/safe"
	"github.com/replicheck/replicheck/journal"
	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/wire"
)

type Config struct {
	Addr      string
	Port      int
	Instances int
	//AcceptInterval bounds one accept attempt per loop pass.
	AcceptInterval time.Duration
	//DrainInterval bounds one receive attempt per connection per loop pass.
	DrainInterval time.Duration
}

func (cfg *Config) withDefaults() {
	if cfg.AcceptInterval <= 0 {
		cfg.AcceptInterval = 20 * time.Millisecond
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 5 * time.Millisecond
	}
}

type Option func(*Coordinator)

// WithJournal attaches an outcome journal; every resolved round is appended.
func WithJournal(j *journal.Journal) Option {
	return func(c *Coordinator) { c.journal = j }
}

func WithScope(scope tally.Scope) Option {
	return func(c *Coordinator) { c.scope = scope }
}

// WithAbort overrides the fail-fast action taken on a mismatch outcome. The
// default logs the full detail and terminates the process.
func WithAbort(abort func(detail string)) Option {
	return func(c *Coordinator) { c.abort = abort }
}

type peer struct {
	conn     net.Conn
	reader   *wire.Reader
	instance int32
}

// Coordinator multiplexes participant connections on one control goroutine;
// only that goroutine touches the tracker and the connection table.
type Coordinator struct {
	ctx    _c.Context
	cancel _c.CancelFunc
	logger log.Logger
	cfg    Config

	lis     *net.TCPListener
	tracker *barrier.Tracker
	//pending holds accepted but not yet registered connections
	pending    []*peer
	registered map[int32]*peer

	journal              *journal.Journal
	scope                tally.Scope
	abort                func(detail string)
	registrationComplete bool
	done                 chan struct{}
}

// Start binds the listening endpoint and launches the control loop. It
// returns once the endpoint is listening, so clients started afterwards can
// connect without racing the bind.
func Start(cfg Config, opts ...Option) (*Coordinator, error) {
	cfg.withDefaults()
	if cfg.Instances < 1 || cfg.Instances > wire.MaxInstances {
		return nil, errors.Errorf("instance count %d out of range [1, %d]", cfg.Instances, wire.MaxInstances)
	}
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Addr, cfg.Port))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to listen on %s:%d", cfg.Addr, cfg.Port)
	}
	ctx, cancel := _c.WithCancel(_c.Background())
	logger := log.Named("coordinator")
	c := &Coordinator{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		cfg:        cfg,
		lis:        lis.(*net.TCPListener),
		tracker:    barrier.NewTracker(cfg.Instances, logger),
		registered: make(map[int32]*peer),
		scope:      tally.NoopScope,
		done:       make(chan struct{}),
	}
	c.abort = func(detail string) {
		c.logger.Fatalf("cross-instance state diverged: %s", detail)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger.Infof("listening on %s, waiting for %d instance(s)", c.lis.Addr(), cfg.Instances)
	safe.Go(func() error {
		c.loop()
		return nil
	})
	return c, nil
}

// Port reports the bound port, useful when the config asked for 0.
func (c *Coordinator) Port() int {
	return c.lis.Addr().(*net.TCPAddr).Port
}

// Stop cancels the control loop abruptly and waits for it to exit. In-flight
// rounds are not drained; pending participants run into their own client-side
// timeouts.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
}

func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) loop() {
	defer c.teardown()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.acceptOnce()
		c.drainOnce()
	}
}

func (c *Coordinator) acceptOnce() {
	if err := c.lis.SetDeadline(time.Now().Add(c.cfg.AcceptInterval)); err != nil {
		return
	}
	conn, err := c.lis.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		if c.ctx.Err() == nil {
			c.logger.Warnf("accept failed: %v", err)
		}
		return
	}
	c.logger.Debugf("new connection from %s", conn.RemoteAddr())
	c.pending = append(c.pending, &peer{conn: conn, reader: wire.NewReader(conn), instance: -1})
}

// drainOnce pulls at most one message from every connection with data.
func (c *Coordinator) drainOnce() {
	for _, p := range append(append([]*peer(nil), c.pending...), c.peers()...) {
		msg, err := p.reader.Poll(c.cfg.DrainInterval)
		switch {
		case err == nil:
			c.dispatch(p, msg)
		case errors.Is(err, wire.ErrNoData):
			//connection healthy, nothing to read now
		case errors.Is(err, wire.ErrPeerClosed):
			c.dropPeer(p, "peer closed")
		case errors.Is(err, wire.ErrShortRecord):
			c.scope.Counter("protocol_violations").Inc(1)
			c.logger.Errorf("protocol violation from instance %d: %v", p.instance, err)
			c.dropPeer(p, "protocol violation")
		default:
			c.logger.Warnf("receive from instance %d failed: %v", p.instance, err)
			c.dropPeer(p, "receive error")
		}
	}
}

func (c *Coordinator) peers() []*peer {
	out := make([]*peer, 0, len(c.registered))
	for _, p := range c.registered {
		out = append(out, p)
	}
	return out
}

func (c *Coordinator) dropPeer(p *peer, reason string) {
	_ = p.conn.Close()
	for i, pending := range c.pending {
		if pending == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	if p.instance >= 0 {
		delete(c.registered, p.instance)
	}
	if !c.registrationComplete {
		//losing a connection before all instances registered is unrecoverable:
		//no round can ever complete
		c.logger.Errorf("connection lost (%s) with %d/%d registered, rounds can never complete",
			reason, len(c.registered), c.cfg.Instances)
		return
	}
	c.logger.Infof("connection for instance %d removed (%s)", p.instance, reason)
}

func (c *Coordinator) dispatch(p *peer, msg wire.Message) {
	switch msg.Kind {
	case wire.KindRegister:
		c.register(p, msg.Instance)
	case wire.KindSyncPoint:
		outcome, done := c.tracker.Offer(msg.Seq, barrier.Report{
			Instance:    msg.Instance,
			Point:       msg.Point,
			Fingerprint: msg.Fingerprint,
		})
		if done {
			c.finish(outcome)
		}
	case wire.KindShutdown:
		c.logger.Infof("instance %d shutting down", msg.Instance)
	default:
		c.logger.Warnf("unexpected %s record from instance %d", msg.Kind, msg.Instance)
	}
}

func (c *Coordinator) register(p *peer, instance int32) {
	if instance < 0 || int(instance) >= c.cfg.Instances {
		c.logger.Errorf("registration with out of range instance id %d, dropping connection", instance)
		c.dropPeer(p, "bad instance id")
		return
	}
	if old, ok := c.registered[instance]; ok {
		c.logger.Warnf("instance %d re-registered, replacing previous connection", instance)
		_ = old.conn.Close()
	}
	p.instance = instance
	for i, pending := range c.pending {
		if pending == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.registered[instance] = p
	c.scope.Counter("instances_registered").Inc(1)
	c.logger.Infof("instance %d registered (%d/%d)", instance, len(c.registered), c.cfg.Instances)
	if len(c.registered) == c.cfg.Instances {
		c.registrationComplete = true
		c.logger.Infof("all %d instances registered, ready for validation", c.cfg.Instances)
	}
}

// finish journals a resolved outcome, broadcasts it to every connection that
// reported in the round, and fails fast on a mismatch. The broadcast happens
// before the abort so both sides of a divergence see the failed result.
func (c *Coordinator) finish(outcome barrier.Outcome) {
	c.scope.Counter("rounds_resolved").Inc(1)
	if c.journal != nil {
		if err := c.journal.Append(outcome); err != nil {
			c.logger.Warnf("failed to journal sync point %d: %v", outcome.Seq, err)
		}
	}
	for _, report := range outcome.Arrived {
		p, ok := c.registered[report.Instance]
		if !ok {
			c.logger.Warnf("instance %d reported for sync point %d but has no connection", report.Instance, outcome.Seq)
			continue
		}
		msg := wire.Message{
			Kind:     wire.KindResult,
			Instance: -1,
			Seq:      outcome.Seq,
			Point:    outcome.Point,
			Passed:   outcome.Passed,
			Detail:   outcome.PeerFingerprint(report.Instance),
		}
		if err := wire.Send(p.conn, msg); err != nil {
			c.logger.Warnf("failed to send result to instance %d: %v", report.Instance, err)
		}
	}
	if outcome.Passed {
		c.scope.Counter("rounds_matched").Inc(1)
		c.logger.Debugf("sync point %d matched across %d instance(s)", outcome.Seq, len(outcome.Arrived))
		return
	}
	c.scope.Counter("rounds_mismatched").Inc(1)
	c.logger.Errorw("synchronized cross-validation failed",
		"syncPoint", outcome.Seq, "detail", outcome.Detail)
	c.abort(outcome.Detail)
}

func (c *Coordinator) teardown() {
	for _, p := range c.pending {
		_ = p.conn.Close()
	}
	for _, p := range c.registered {
		_ = p.conn.Close()
	}
	_ = c.lis.Close()
	c.logger.Info("coordinator stopped")
	close(c.done)
}
