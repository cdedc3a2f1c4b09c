package twopc

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "txcoord/twopc"

const (
	spanRun      = "2pc.run"
	spanPrepare  = "2pc.prepare"
	spanVote     = "2pc.participant.prepare"
	spanCommit   = "2pc.commit"
	spanRollback = "2pc.rollback"
	spanFinalize = "2pc.participant.finalize"
	spanRecover  = "2pc.recover"
)

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
