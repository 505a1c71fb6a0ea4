// Package tracing 初始化 OpenTelemetry，并为生命周期与路由操作提供 span 辅助函数。
package tracing

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"AgentFleet/internal/config"
)

const tracerName = "agentfleet"

// Option 定义可选配置。
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter 指定 stdout 导出器的输出位置。
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// Setup 初始化全局 TracerProvider 并返回关闭函数；未启用时使用 noop 实现。
func Setup(_ context.Context, cfg config.TracingConfig, opts ...Option) (func(context.Context) error, error) {
	noopShutdown := func(context.Context) error { return nil }
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	}

	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "stdout":
		exportOpts := []stdouttrace.Option{}
		if o.writer != nil {
			exportOpts = append(exportOpts, stdouttrace.WithWriter(o.writer))
		}
		exp, err := stdouttrace.New(exportOpts...)
		if err != nil {
			return nil, fmt.Errorf("创建 stdout 导出器失败: %w", err)
		}
		exporter = exp
	case "noop", "":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noopShutdown, nil
	default:
		return nil, fmt.Errorf("不支持的导出器: %s", cfg.Exporter)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan 启动一个 span。
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End 根据 err 设置 span 状态后结束 span。
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Agent 返回智能体名称属性。
func Agent(name string) attribute.KeyValue {
	return attribute.String("agent.name", name)
}

// Conversation 返回会话 ID 属性。
func Conversation(id string) attribute.KeyValue {
	return attribute.String("conversation.id", id)
}
