package otel

import (
	"context"
	"reflect"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization=Bearer abc, x-tenant = oracle ,broken,=nokey")
	want := map[string]string{"authorization": "Bearer abc", "x-tenant": "oracle"}
	if !reflect.DeepEqual(headers, want) {
		t.Fatalf("headers: got %v want %v", headers, want)
	}
}

func TestFromEnvDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := FromEnv("oracled", "dev")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("exporters enabled without endpoint: %+v", cfg)
	}

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, span := Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestFromEnvReadsCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "api-key=secret")

	cfg := FromEnv("oracled", "prod")
	if cfg.Endpoint != "collector:4318" {
		t.Fatalf("endpoint: got %s", cfg.Endpoint)
	}
	if cfg.Insecure {
		t.Fatalf("insecure flag ignored")
	}
	if !cfg.Traces {
		t.Fatalf("traces disabled with an endpoint")
	}
	if cfg.Headers["api-key"] != "secret" {
		t.Fatalf("headers: %v", cfg.Headers)
	}
}
