package app

import (
	"context"
	"fmt"
	"strings"

	"zkpredator/internal/logger"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// logSpanExporter 把结束的 span 写进日志，本地排查一轮耗时用。
type logSpanExporter struct{}

func (logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		logger.Debugf("span %s trace=%s dur=%s status=%s %s",
			s.Name(), s.SpanContext().TraceID(), s.EndTime().Sub(s.StartTime()), s.Status().Code, formatAttrs(s))
	}
	return nil
}

func (logSpanExporter) Shutdown(context.Context) error { return nil }

func formatAttrs(s sdktrace.ReadOnlySpan) string {
	parts := make([]string, 0, len(s.Attributes()))
	for _, kv := range s.Attributes() {
		parts = append(parts, fmt.Sprintf("%s=%s", kv.Key, kv.Value.Emit()))
	}
	return strings.Join(parts, " ")
}

// installTracing 注册全局 TracerProvider，返回关闭函数。
func installTracing(exporter sdktrace.SpanExporter) func() error {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	return func() error { return tp.Shutdown(context.Background()) }
}
