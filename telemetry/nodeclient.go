package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/voltaic"
)

// ObservedNodeClient wraps a voltaic.NodeClient with OTEL spans and
// metrics from outside the core package.
type ObservedNodeClient struct {
	inner voltaic.NodeClient
	inst  *Instruments
}

// WrapNodeClient returns an instrumented NodeClient. For retried
// StartTraining/PushDischarge calls to get one span per attempt rather than
// one span for the whole retried call, also pass AttemptHook(inst) to
// voltaic.NewHTTPNodeClient via voltaic.WithAttemptHook when constructing
// the client this wraps.
func WrapNodeClient(inner voltaic.NodeClient, inst *Instruments) *ObservedNodeClient {
	return &ObservedNodeClient{inner: inner, inst: inst}
}

// AttemptHook returns a voltaic.AttemptHook that starts and immediately ends
// one child span per delivery attempt, nested under whatever span is active
// on ctx (the outer node.start_training/node.push_discharge span opened by
// StartTraining/PushDischarge below). Pass the result to
// voltaic.WithAttemptHook when constructing the client this package wraps.
func AttemptHook(inst *Instruments) voltaic.AttemptHook {
	return func(ctx context.Context, op, nodeKey string, attempt int, err error) {
		_, span := inst.Tracer.Start(ctx, "node."+op+".attempt", trace.WithAttributes(
			attribute.String("node.key", nodeKey),
			attribute.Int("node.attempt", attempt),
			attribute.String("node.status", statusOf(err)),
		))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if voltaic.IsTransportError(err) {
				inst.TrainingRetries.Add(ctx, 1, attribute.String("node.key", nodeKey))
			}
		}
		span.End()
	}
}

func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
}

func (o *ObservedNodeClient) Predict(ctx context.Context, node voltaic.NodeDescriptor, d voltaic.Discharge) (voltaic.NodeResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "node.predict", trace.WithAttributes(attribute.String("node.key", node.Key)))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Predict(ctx, node, d)
	o.record(ctx, span, "predict", node.Key, start, err)
	return resp, err
}

func (o *ObservedNodeClient) StartTraining(ctx context.Context, node voltaic.NodeDescriptor, total int) error {
	ctx, span := o.inst.Tracer.Start(ctx, "node.start_training", trace.WithAttributes(
		attribute.String("node.key", node.Key),
		attribute.Int("training.total_discharges", total),
	))
	defer span.End()
	start := time.Now()

	err := o.inner.StartTraining(ctx, node, total)
	o.record(ctx, span, "start_training", node.Key, start, err)
	return err
}

func (o *ObservedNodeClient) PushDischarge(ctx context.Context, node voltaic.NodeDescriptor, ordinal int, d voltaic.Discharge) error {
	ctx, span := o.inst.Tracer.Start(ctx, "node.push_discharge", trace.WithAttributes(
		attribute.String("node.key", node.Key),
		attribute.Int("training.ordinal", ordinal),
	))
	defer span.End()
	start := time.Now()

	err := o.inner.PushDischarge(ctx, node, ordinal, d)
	o.record(ctx, span, "push_discharge", node.Key, start, err)
	if err != nil && voltaic.IsTransportError(err) {
		o.inst.TrainingRetries.Add(ctx, 1, attribute.String("node.key", node.Key))
	}
	return err
}

func (o *ObservedNodeClient) Health(ctx context.Context, node voltaic.NodeDescriptor) (voltaic.HealthDetail, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "node.health", trace.WithAttributes(attribute.String("node.key", node.Key)))
	defer span.End()
	start := time.Now()

	detail, err := o.inner.Health(ctx, node)
	o.record(ctx, span, "health", node.Key, start, err)
	return detail, err
}

func (o *ObservedNodeClient) record(ctx context.Context, span trace.Span, op, nodeKey string, start time.Time, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := statusOf(err)
	attrs := []attribute.KeyValue{
		attribute.String("node.op", op),
		attribute.String("node.key", nodeKey),
		attribute.String("node.status", status),
	}
	span.SetAttributes(attribute.String("node.status", status))
	o.inst.NodeRequests.Add(ctx, 1, attrs...)
	o.inst.NodeDuration.Record(ctx, durationMs, attrs...)

	sev := otellog.SeverityInfo
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.inst.NodeErrors.Add(ctx, 1, attrs...)
		sev = otellog.SeverityError
	}

	var rec otellog.Record
	rec.SetSeverity(sev)
	if err != nil {
		rec.SetBody(otellog.StringValue("node call failed: " + err.Error()))
	} else {
		rec.SetBody(otellog.StringValue("node call completed"))
	}
	rec.AddAttributes(
		otellog.String("node.op", op),
		otellog.String("node.key", nodeKey),
		otellog.String("node.status", status),
		otellog.Float64("node.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}
