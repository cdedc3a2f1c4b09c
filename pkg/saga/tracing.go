package saga

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "txcoord/saga"

const (
	spanRun          = "saga.run"
	spanStep         = "saga.step.execute"
	spanCompensation = "saga.compensate"
	spanCompensate   = "saga.step.compensate"
	spanRecover      = "saga.recover"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
