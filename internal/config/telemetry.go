package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// Telemetry is the trace export setup, read from the standard OTEL_*
// variables. Tracing stays off until an endpoint is set.
type Telemetry struct {
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"activity-monitor"`
	Attributes     string `env:"OTEL_RESOURCE_ATTRIBUTES"`
	Endpoint       string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TracesEndpoint string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
}

// LoadTelemetry reads Telemetry from the environment.
func LoadTelemetry() (Telemetry, error) {
	var t Telemetry
	if err := env.Parse(&t); err != nil {
		return Telemetry{}, fmt.Errorf("parsing telemetry environment: %w", err)
	}
	return t, nil
}

// TraceEndpoint is where spans are exported. The traces-specific variable
// overrides the generic one.
func (t Telemetry) TraceEndpoint() string {
	if t.TracesEndpoint != "" {
		return t.TracesEndpoint
	}
	return t.Endpoint
}

func (t Telemetry) Enabled() bool { return t.TraceEndpoint() != "" }

// ResourceAttributes decodes Attributes, a comma separated list of
// key=value pairs with percent-encoded values. Entries without a key are
// skipped; a repeated key keeps its first position and its last value.
func (t Telemetry) ResourceAttributes() []attribute.KeyValue {
	var (
		attrs []attribute.KeyValue
		index = map[string]int{}
	)
	for _, entry := range strings.Split(t.Attributes, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if decoded, err := url.PathUnescape(value); err == nil {
			value = decoded
		}

		kv := attribute.String(key, value)
		if i, seen := index[key]; seen {
			attrs[i] = kv
			continue
		}
		index[key] = len(attrs)
		attrs = append(attrs, kv)
	}
	return attrs
}
