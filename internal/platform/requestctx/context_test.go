package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatalf("nil logger must fall back to noop")
	}
}

func TestTraceAndActor(t *testing.T) {
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def"})
	ctx = WithActorID(ctx, "uid-1:ops@genfity.com")
	if TraceID(ctx) != "abc" {
		t.Fatalf("unexpected trace id %q", TraceID(ctx))
	}
	if ActorID(ctx) != "uid-1:ops@genfity.com" {
		t.Fatalf("unexpected actor %q", ActorID(ctx))
	}
	if TraceID(context.Background()) != "" || ActorID(context.Background()) != "" {
		t.Fatalf("empty context must yield empty values")
	}
}
