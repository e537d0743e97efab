package session

import (
	"time"

	"github.com/spf13/viper"
)

// Transport selects how fingerprints reach the comparison logic.
type Transport string

const (
	// TransportTCP runs the coordinator/participant protocol over sockets.
	TransportTCP Transport = "tcp"
	// TransportSharedMemory maps one segment shared by all instances on the
	// same host; best-effort barrier, no fail-fast.
	TransportSharedMemory Transport = "shm"
)

type Config struct {
	Transport Transport `mapstructure:"transport"`
	//Addr and Port locate the coordinator endpoint for the tcp transport; a
	//negative Port binds an ephemeral one.
	Addr string `mapstructure:"addr"`
	Port int    `mapstructure:"port"`
	//Segment is the mapped file path for the shm transport.
	Segment string `mapstructure:"segment"`
	//JournalDir enables the outcome journal on the coordinator when set.
	JournalDir string `mapstructure:"journal_dir"`

	//SettleDelay is how long instance 0 waits between starting its
	//coordinator and connecting its own client.
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	//ResumeDelay lets the peer side recreate its endpoint after a checkpoint
	//before this side reconnects.
	ResumeDelay time.Duration `mapstructure:"resume_delay"`

	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
}

func (cfg *Config) withDefaults() {
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Segment == "" {
		cfg.Segment = DefaultSegment
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 200 * time.Millisecond
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = 500 * time.Millisecond
	}
}

const (
	envPrefix = "replicheck"

	DefaultAddr    = "0.0.0.0"
	DefaultPort    = 5000
	DefaultSegment = "/dev/shm/replicheck.seg"
)

// FromEnv builds a Config from REPLICHECK_* environment variables, falling
// back to the documented defaults: REPLICHECK_TRANSPORT, REPLICHECK_ADDR,
// REPLICHECK_PORT, REPLICHECK_SEGMENT, REPLICHECK_JOURNAL_DIR.
func FromEnv() Config {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetDefault("transport", string(TransportTCP))
	v.SetDefault("addr", DefaultAddr)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("segment", DefaultSegment)
	v.SetDefault("journal_dir", "")
	cfg := Config{
		Transport:  Transport(v.GetString("transport")),
		Addr:       v.GetString("addr"),
		Port:       v.GetInt("port"),
		Segment:    v.GetString("segment"),
		JournalDir: v.GetString("journal_dir"),
	}
	cfg.withDefaults()
	return cfg
}
