package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

// clearEnv blanks every MONITOR_ variable so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MONITOR_TARGET_NAME",
		"MONITOR_SOCKET",
		"MONITOR_QUEUE_DEPTH",
		"MONITOR_SOURCE",
		"MONITOR_BPF_OBJECT",
		"MONITOR_VERBOSE",
		"MONITOR_LOG_JSON",
	} {
		t.Setenv(key, "")
	}
}

func TestParseArgs_Target(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseArgs([]string{"activity-monitor", "--target", "notepad"})
	require.NoError(t, err)
	assert.Equal(t, "notepad", cfg.TargetName)
	assert.Equal(t, SourceProcConn, cfg.Source)
	assert.Equal(t, 0, cfg.QueueDepth)
	assert.False(t, cfg.Verbose)
}

func TestParseArgs_AllFlags(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseArgs([]string{
		"activity-monitor",
		"-n", "make",
		"-s", "/tmp/m.sock",
		"--queue-depth", "512",
		"--source", "bpf",
		"--bpf-object", "/opt/monitor.bpf.o",
		"-v",
		"--log-json",
	})
	require.NoError(t, err)
	assert.Equal(t, &Config{
		TargetName: "make",
		SocketPath: "/tmp/m.sock",
		QueueDepth: 512,
		Source:     SourceBPF,
		BPFObject:  "/opt/monitor.bpf.o",
		Verbose:    true,
		LogJSON:    true,
	}, cfg)
}

func TestParseArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		msg  string
	}{
		{"no arguments", nil, "no arguments"},
		{"missing target", []string{"am"}, "target name is required"},
		{"missing value", []string{"am", "--target"}, "--target requires a value"},
		{"bad depth", []string{"am", "-n", "x", "--queue-depth", "ten"}, "non-negative integer"},
		{"negative depth", []string{"am", "-n", "x", "--queue-depth", "-1"}, "non-negative integer"},
		{"unknown source", []string{"am", "-n", "x", "--source", "etw"}, `unknown source "etw"`},
		{"unknown flag", []string{"am", "--frobnicate"}, `unknown argument "--frobnicate"`},
		{"empty bpf object", []string{"am", "-n", "x", "--source", "bpf", "--bpf-object", ""}, "needs --bpf-object"},
		{"help", []string{"am", "--help"}, "Usage: am"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)

			_, err := ParseArgs(tt.args)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUsage)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParseEnvConfig(t *testing.T) {
	t.Setenv("MONITOR_TARGET_NAME", "svc")
	t.Setenv("MONITOR_SOCKET", "/tmp/env.sock")
	t.Setenv("MONITOR_QUEUE_DEPTH", "64")
	t.Setenv("MONITOR_SOURCE", "bpf")
	t.Setenv("MONITOR_BPF_OBJECT", "/tmp/c.o")
	t.Setenv("MONITOR_VERBOSE", "true")
	t.Setenv("MONITOR_LOG_JSON", "true")

	cfg, err := ParseEnvConfig()
	require.NoError(t, err)
	assert.Equal(t, "svc", cfg.TargetName)
	assert.Equal(t, "/tmp/env.sock", cfg.SocketPath)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, "bpf", cfg.Source)
	assert.Equal(t, "/tmp/c.o", cfg.BPFObject)
	assert.True(t, cfg.Verbose)
	assert.True(t, cfg.LogJSON)
}

func TestParseEnvConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := ParseEnvConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.TargetName)
	assert.Equal(t, DefaultSocketPath, cfg.SocketPath)
	assert.Equal(t, "procconn", cfg.Source)
	assert.NotEmpty(t, cfg.BPFObject)
}

func TestParseEnvConfig_InvalidDepth(t *testing.T) {
	clearEnv(t)
	t.Setenv("MONITOR_QUEUE_DEPTH", "lots")

	_, err := ParseEnvConfig()
	assert.Error(t, err)
}

func TestParseArgs_EnvVarFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("MONITOR_TARGET_NAME", "env_target")
	t.Setenv("MONITOR_SOCKET", "/tmp/env.sock")

	cfg, err := ParseArgs([]string{"activity-monitor"})
	require.NoError(t, err)
	assert.Equal(t, "env_target", cfg.TargetName)
	assert.Equal(t, "/tmp/env.sock", cfg.SocketPath)
}

func TestParseArgs_CLIOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MONITOR_TARGET_NAME", "env_target")
	t.Setenv("MONITOR_QUEUE_DEPTH", "10")

	cfg, err := ParseArgs([]string{"activity-monitor", "-n", "cli_target", "--queue-depth", "20"})
	require.NoError(t, err)
	assert.Equal(t, "cli_target", cfg.TargetName) // CLI wins
	assert.Equal(t, 20, cfg.QueueDepth)           // CLI wins
}

func TestTelemetry_TraceEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Telemetry
		endpoint string
	}{
		{"unset", Telemetry{}, ""},
		{"generic", Telemetry{Endpoint: "collector:4318"}, "collector:4318"},
		{"traces wins", Telemetry{Endpoint: "a:4318", TracesEndpoint: "b:4318"}, "b:4318"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.endpoint, tt.cfg.TraceEndpoint())
			assert.Equal(t, tt.endpoint != "", tt.cfg.Enabled())
		})
	}
}

func TestLoadTelemetry(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")

	cfg, err := LoadTelemetry()
	require.NoError(t, err)
	assert.Equal(t, "activity-monitor", cfg.ServiceName)
	assert.False(t, cfg.Enabled())

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://collector:4318")
	cfg, err = LoadTelemetry()
	require.NoError(t, err)
	assert.Equal(t, "http://collector:4318", cfg.TraceEndpoint())
}

func TestTelemetry_ResourceAttributes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []attribute.KeyValue
	}{
		{"empty", "", nil},
		{
			"trims and skips malformed",
			"host.name=box, env = prod ,broken,=novalue",
			[]attribute.KeyValue{attribute.String("host.name", "box"), attribute.String("env", "prod")},
		},
		{
			"percent decoding",
			"team=core%2Cops,note=a%20b",
			[]attribute.KeyValue{attribute.String("team", "core,ops"), attribute.String("note", "a b")},
		},
		{
			"bad escape kept verbatim",
			"ratio=50%",
			[]attribute.KeyValue{attribute.String("ratio", "50%")},
		},
		{
			"last value wins",
			"env=dev,region=eu,env=prod",
			[]attribute.KeyValue{attribute.String("env", "prod"), attribute.String("region", "eu")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Telemetry{Attributes: tt.input}.ResourceAttributes())
		})
	}
}
