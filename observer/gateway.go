package observer

import (
	"context"
	"time"

	"github.com/loomworks/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for LLM spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount    = attribute.Key("llm.tool_count")
	AttrFinishReason = attribute.Key("llm.finish_reason")
)

// instrumentedGateway wraps a CompletionsGateway with OTEL traces and
// metrics per streamed completion.
type instrumentedGateway struct {
	inner strand.CompletionsGateway
	inst  *Instruments
}

// WrapGateway instruments a completions gateway. Each StreamCompletion call
// emits one span plus request, duration, and token metrics. Usage is read
// from the stream's finish-step parts as they pass through.
func WrapGateway(g strand.CompletionsGateway, inst *Instruments) strand.CompletionsGateway {
	return &instrumentedGateway{inner: g, inst: inst}
}

func (g *instrumentedGateway) StreamCompletion(ctx context.Context, req strand.CompletionRequest, ch chan<- strand.StreamPart) error {
	ctx, span := g.inst.Tracer.Start(ctx, "llm.stream_completion",
		trace.WithAttributes(
			AttrLLMProvider.String(req.Provider.Name),
			AttrLLMModel.String(req.Provider.Model),
			AttrToolCount.Int(len(req.Tools)),
		))
	defer span.End()

	attrs := metric.WithAttributes(
		AttrLLMProvider.String(req.Provider.Name),
		AttrLLMModel.String(req.Provider.Model),
	)
	start := time.Now()
	g.inst.LLMRequests.Add(ctx, 1, attrs)

	// Intercept parts to capture usage without altering the stream.
	mid := make(chan strand.StreamPart, 16)
	done := make(chan struct{})
	var usage strand.Usage
	var finishReason string
	go func() {
		defer close(done)
		for part := range mid {
			if part.Type == strand.PartFinishStep {
				usage.InputTokens += part.Usage.InputTokens
				usage.OutputTokens += part.Usage.OutputTokens
				finishReason = part.FinishReason
			}
			select {
			case ch <- part:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := g.inner.StreamCompletion(ctx, req, mid)
	close(mid)
	<-done

	g.inst.LLMDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	g.inst.TokenUsage.Add(ctx, int64(usage.InputTokens),
		metric.WithAttributes(AttrLLMProvider.String(req.Provider.Name),
			AttrLLMModel.String(req.Provider.Model), attribute.String("direction", "input")))
	g.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens),
		metric.WithAttributes(AttrLLMProvider.String(req.Provider.Name),
			AttrLLMModel.String(req.Provider.Model), attribute.String("direction", "output")))

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrFinishReason.String(finishReason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// compile-time check
var _ strand.CompletionsGateway = (*instrumentedGateway)(nil)
