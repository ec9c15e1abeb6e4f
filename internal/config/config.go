package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// Source selects the event collector feeding the monitor.
type Source string

const (
	// SourceProcConn uses the netlink proc connector (lifecycle and image
	// events only).
	SourceProcConn Source = "procconn"
	// SourceBPF uses the eBPF collector (lifecycle, image and file events).
	SourceBPF Source = "bpf"
)

// DefaultSocketPath is where the daemon serves consumers.
const DefaultSocketPath = "/run/activity-monitor.sock"

// ErrUsage is returned when the arguments cannot be parsed.
var ErrUsage = errors.New("usage error")

// EnvConfig holds configuration from environment variables
type EnvConfig struct {
	TargetName string `env:"MONITOR_TARGET_NAME" envDefault:""`
	SocketPath string `env:"MONITOR_SOCKET" envDefault:"/run/activity-monitor.sock"`
	QueueDepth int    `env:"MONITOR_QUEUE_DEPTH" envDefault:"0"`
	Source     string `env:"MONITOR_SOURCE" envDefault:"procconn"`
	BPFObject  string `env:"MONITOR_BPF_OBJECT" envDefault:"/usr/lib/activity-monitor/monitor.bpf.o"`
	Verbose    bool   `env:"MONITOR_VERBOSE" envDefault:"false"`
	LogJSON    bool   `env:"MONITOR_LOG_JSON" envDefault:"false"`
}

// ParseEnvConfig parses configuration from environment variables
func ParseEnvConfig() (*EnvConfig, error) {
	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment config: %w", err)
	}
	return &cfg, nil
}

// Config holds the daemon configuration
type Config struct {
	// TargetName is matched as a substring of image paths to discover the
	// first tracked process.
	TargetName string
	// SocketPath is the consumer socket.
	SocketPath string
	// QueueDepth bounds queued records; 0 means unbounded.
	QueueDepth int
	// Source is the event collector.
	Source Source
	// BPFObject is the compiled collector, used with SourceBPF.
	BPFObject string
	Verbose   bool
	LogJSON   bool
}

const usage = `Usage: %s --target <name> [options]

Options:
  -n, --target <name>      image path substring of the process to monitor
  -s, --socket <path>      consumer socket (default %s)
      --queue-depth <n>    bound on queued records, 0 for unbounded
      --source <name>      event source: procconn or bpf
      --bpf-object <path>  compiled eBPF collector
  -v, --verbose            debug logging
      --log-json           JSON log output`

// ParseArgs parses command-line arguments and returns a Config.
// Environment variables provide defaults; flags override them.
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no arguments provided", ErrUsage)
	}
	programName := args[0]

	envCfg, err := ParseEnvConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TargetName: envCfg.TargetName,
		SocketPath: envCfg.SocketPath,
		QueueDepth: envCfg.QueueDepth,
		Source:     Source(envCfg.Source),
		BPFObject:  envCfg.BPFObject,
		Verbose:    envCfg.Verbose,
		LogJSON:    envCfg.LogJSON,
	}

	for i := 1; i < len(args); i++ {
		arg := args[i]

		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%w: %s requires a value", ErrUsage, arg)
			}
			i++
			return args[i], nil
		}

		switch arg {
		case "-n", "--target":
			if cfg.TargetName, err = value(); err != nil {
				return nil, err
			}
		case "-s", "--socket":
			if cfg.SocketPath, err = value(); err != nil {
				return nil, err
			}
		case "--queue-depth":
			v, err := value()
			if err != nil {
				return nil, err
			}
			depth, err := strconv.Atoi(v)
			if err != nil || depth < 0 {
				return nil, fmt.Errorf("%w: --queue-depth must be a non-negative integer, got %q", ErrUsage, v)
			}
			cfg.QueueDepth = depth
		case "--source":
			v, err := value()
			if err != nil {
				return nil, err
			}
			cfg.Source = Source(v)
		case "--bpf-object":
			if cfg.BPFObject, err = value(); err != nil {
				return nil, err
			}
		case "-v", "--verbose":
			cfg.Verbose = true
		case "--log-json":
			cfg.LogJSON = true
		case "-h", "--help":
			return nil, fmt.Errorf("%w\n"+usage, ErrUsage, programName, DefaultSocketPath)
		default:
			return nil, fmt.Errorf("%w: unknown argument %q\n"+usage, ErrUsage, arg, programName, DefaultSocketPath)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w\n"+usage, err, programName, DefaultSocketPath)
	}
	return cfg, nil
}

// Validate checks that the configuration can start a daemon.
func (c *Config) Validate() error {
	if c.TargetName == "" {
		return fmt.Errorf("%w: a target name is required (--target or MONITOR_TARGET_NAME)", ErrUsage)
	}
	if c.SocketPath == "" {
		return fmt.Errorf("%w: socket path must not be empty", ErrUsage)
	}
	if c.QueueDepth < 0 {
		return fmt.Errorf("%w: queue depth must not be negative", ErrUsage)
	}
	switch c.Source {
	case SourceProcConn:
	case SourceBPF:
		if c.BPFObject == "" {
			return fmt.Errorf("%w: the bpf source needs --bpf-object", ErrUsage)
		}
	default:
		return fmt.Errorf("%w: unknown source %q (want %s or %s)", ErrUsage, c.Source, SourceProcConn, SourceBPF)
	}
	return nil
}
