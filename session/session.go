// Package session is the caller-facing surface of the consistency
// verification system. A Session is an explicitly constructed object with a
// create/suspend/resume/destroy lifecycle; the instrumented simulation calls
// Validate at its sync points and a checkpoint collaborator brackets
// snapshots with Suspend and Resume.
package session

import (
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/uber-go/tally/v4"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/replicheck/replicheck/client"
	"github.com/replicheck/replicheck/common/status"
	"github.com/replicheck/replicheck/coordinator"
	"github.com/replicheck/replicheck/journal"
	"github.com/replicheck/replicheck/log"
	"github.com/replicheck/replicheck/shm"
)

// Point identifies a named location in the instrumented program. The set is
// defined by the caller; ids must be consistent across all instances.
type Point int32

type Option func(*Session)

func WithScope(scope tally.Scope) Option {
	return func(s *Session) { s.scope = scope }
}

// WithAbort overrides the fail-fast action of the co-located coordinator and
// the participant client.
func WithAbort(abort func(detail string)) Option {
	return func(s *Session) { s.abort = abort }
}

// Session holds one process's participation in a verification run. All
// methods are safe to call from the owning simulation thread; Validate is a
// no-op whenever the session is not running.
type Session struct {
	logger log.Logger
	cfg    Config
	scope  tally.Scope
	abort  func(detail string)

	mutex  sync.Mutex
	status status.Status

	instance  int32
	instances int
	runID     string

	enabled *atomic.Bool
	seq     *atomic.Int64

	coord   *coordinator.Coordinator
	cli     *client.Client
	jrnl    *journal.Journal
	segment *shm.Segment
}

func New(cfg Config, opts ...Option) *Session {
	cfg.withDefaults()
	s := &Session{
		logger:  log.Named("session"),
		cfg:     cfg,
		scope:   tally.NoopScope,
		enabled: atomic.NewBool(false),
		seq:     atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize joins the run as the given instance. Instance 0 additionally
// hosts the coordinator on its own goroutine before connecting its co-located
// client.
func (s *Session) Initialize(instance int32, instances int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !status.CAP(&s.status, status.Ready, status.Running) {
		return errors.Errorf("session is %v, can't initialize", status.Load(&s.status))
	}
	s.instance = instance
	s.instances = instances
	node, err := snowflake.NewNode(int64(instance))
	if err != nil {
		status.CAP(&s.status, status.Running, status.Ready)
		return errors.WithMessage(err, "failed to create run id node")
	}
	s.runID = node.Generate().String()
	s.logger = log.Named("session").With("instance", instance, "run", s.runID)
	if err := s.start(); err != nil {
		status.CAP(&s.status, status.Running, status.Ready)
		return err
	}
	return nil
}

func (s *Session) start() error {
	if s.cfg.Transport == TransportSharedMemory {
		segment, err := shm.Create(s.cfg.Segment, s.instance, s.instances)
		if err != nil {
			return errors.WithMessage(err, "failed to attach shared segment")
		}
		s.segment = segment
		s.enabled.Store(true)
		s.logger.Infof("validation enabled over shared memory")
		return nil
	}

	if s.instance == 0 {
		var coordOpts []coordinator.Option
		if s.cfg.JournalDir != "" {
			jrnl, err := journal.Open(s.cfg.JournalDir, s.runID, s.logger.Named("journal"))
			if err != nil {
				return errors.WithMessage(err, "failed to open outcome journal")
			}
			s.jrnl = jrnl
			coordOpts = append(coordOpts, coordinator.WithJournal(jrnl))
		}
		coordOpts = append(coordOpts, coordinator.WithScope(s.scope.SubScope("coordinator")))
		if s.abort != nil {
			coordOpts = append(coordOpts, coordinator.WithAbort(s.abort))
		}
		port := s.cfg.Port
		if port < 0 {
			port = 0
		}
		coord, err := coordinator.Start(coordinator.Config{
			Addr:      s.cfg.Addr,
			Port:      port,
			Instances: s.instances,
		}, coordOpts...)
		if err != nil {
			s.closeJournal()
			return errors.WithMessage(err, "failed to start coordinator")
		}
		s.coord = coord
		//pin the bound port so suspend/resume rebinds the same endpoint even
		//when the config asked for an ephemeral one
		s.cfg.Port = coord.Port()
		time.Sleep(s.cfg.SettleDelay)
	}

	clientOpts := []client.Option{client.WithScope(s.scope.SubScope("client"))}
	if s.abort != nil {
		clientOpts = append(clientOpts, client.WithAbort(s.abort))
	}
	cli, err := client.Connect(client.Config{
		Addr:            dialAddr(s.cfg.Addr),
		Port:            s.cfg.Port,
		Instance:        s.instance,
		ResponseTimeout: s.cfg.ResponseTimeout,
		PollInterval:    s.cfg.PollInterval,
	}, clientOpts...)
	if err != nil {
		s.stopTransport()
		return errors.WithMessage(err, "failed to connect participant client")
	}
	s.cli = cli
	s.enabled.Store(true)
	s.logger.Infof("validation enabled for %d instance(s)", s.instances)
	return nil
}

// dialAddr turns a wildcard listen address into a dialable one.
func dialAddr(addr string) string {
	if addr == "0.0.0.0" || addr == "::" {
		return "127.0.0.1"
	}
	return addr
}

// Validate submits one fingerprint for the named sync point and blocks,
// bounded, for the outcome. It is a no-op when validation is disabled. Over
// shared memory it returns the divergence as an error instead of failing
// fast.
//
// Suspend may run concurrently with an in-flight Validate, so the transport
// pointers are snapshotted under the mutex; a submission interrupted by a
// suspend is dropped, not surfaced to the caller.
func (s *Session) Validate(point Point, fp string) error {
	if !s.enabled.Load() {
		return nil
	}
	s.mutex.Lock()
	cli, segment := s.cli, s.segment
	s.mutex.Unlock()
	if cli == nil && segment == nil {
		return nil
	}
	seq := s.seq.Inc()
	if segment != nil {
		contributed, err := segment.Offer(seq, int32(point), fp)
		if err != nil {
			return errors.WithMessagef(err, "failed to offer sync point %d", seq)
		}
		if !contributed {
			s.logger.Debugf("sync point %d skipped (segment busy or round closed)", seq)
		}
		if failed, detail := segment.Failed(); failed {
			return errors.Errorf("cross-instance state diverged: %s", detail)
		}
		return nil
	}
	if err := cli.Submit(seq, int32(point), fp); err != nil {
		if !s.enabled.Load() {
			s.logger.Warnf("sync point %d interrupted by suspend: %v", seq, err)
			return nil
		}
		return err
	}
	return nil
}

// Suspend tears down all live connections and segments so a checkpoint can
// serialize the process, and turns Validate into a no-op. The coordinator is
// cancelled abruptly; in-flight rounds are lost and pending participants run
// into their own timeouts.
func (s *Session) Suspend() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !status.CAP(&s.status, status.Running, status.Suspended) {
		return errors.Errorf("session is %v, can't suspend", status.Load(&s.status))
	}
	s.enabled.Store(false)
	var err error
	if s.cli != nil {
		err = multierr.Append(err, s.cli.Close())
		s.cli = nil
	}
	s.stopTransport()
	s.closeJournal()
	s.logger.Info("session suspended")
	return err
}

// Resume re-establishes the protocol with the identities saved at
// Initialize, after a settling delay that lets the coordinator side recreate
// its endpoint first. The sync point sequence restarts from zero on every
// instance at once, so resumed runs stay aligned.
func (s *Session) Resume() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !status.CAP(&s.status, status.Suspended, status.Running) {
		return errors.Errorf("session is %v, can't resume", status.Load(&s.status))
	}
	time.Sleep(s.cfg.ResumeDelay)
	s.seq.Store(0)
	if err := s.start(); err != nil {
		status.CAP(&s.status, status.Running, status.Suspended)
		return errors.WithMessage(err, "failed to resume session")
	}
	s.logger.Info("session resumed")
	return nil
}

// Shutdown announces an orderly teardown and destroys the session.
func (s *Session) Shutdown() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !status.CAP(&s.status, status.Running, status.Closed) &&
		!status.CAP(&s.status, status.Suspended, status.Closed) {
		return errors.Errorf("session is %v, can't shut down", status.Load(&s.status))
	}
	s.enabled.Store(false)
	var err error
	if s.cli != nil {
		err = multierr.Append(err, s.cli.Shutdown())
		s.cli = nil
	}
	s.stopTransport()
	s.closeJournal()
	s.logger.Info("session shut down")
	return err
}

func (s *Session) stopTransport() {
	if s.coord != nil {
		s.coord.Stop()
		s.coord = nil
	}
	if s.segment != nil {
		if err := s.segment.Close(); err != nil {
			s.logger.Warnf("failed to close segment: %v", err)
		}
		s.segment = nil
	}
}

func (s *Session) closeJournal() {
	if s.jrnl != nil {
		if err := s.jrnl.Close(); err != nil {
			s.logger.Warnf("failed to close journal: %v", err)
		}
		s.jrnl = nil
	}
}

// Port reports the coordinator endpoint port in effect, which differs from
// the configured one when an ephemeral port was requested.
func (s *Session) Port() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cfg.Port
}

// RunID identifies this session's run in logs and journal buckets.
func (s *Session) RunID() string {
	return s.runID
}

// Enabled reports whether Validate currently does anything.
func (s *Session) Enabled() bool {
	return s.enabled.Load()
}
