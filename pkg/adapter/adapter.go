// Package adapter contains the clients for the external services consumed by
// the analysis stages. Adapters never retry; every failure is returned as a
// TransientError or PermanentError and the caller decides what to do next.
package adapter

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Output is the structured payload a stage produces on success.
type Output map[string]any

// Evidence maps a stage name to the output it produced earlier in the run.
// Stages that did not succeed have no entry.
type Evidence map[string]Output

// Adapter is the boundary to one external service.
type Adapter interface {
	Run(ctx context.Context, target string, prior Evidence) (Output, error)
}

// Func adapts an ordinary function to the Adapter interface.
type Func func(ctx context.Context, target string, prior Evidence) (Output, error)

// Run calls f.
func (f Func) Run(ctx context.Context, target string, prior Evidence) (Output, error) {
	return f(ctx, target, prior)
}

// Compile-time interface checks.
var (
	_ Adapter = Func(nil)
	_ Adapter = (*MetadataAdapter)(nil)
	_ Adapter = (*ScanAdapter)(nil)
	_ Adapter = (*ReputationAdapter)(nil)
	_ Adapter = (*AIAdapter)(nil)
)

// Stage names used as evidence keys.
const (
	StageMetadata   = "metadata"
	StageScan       = "scan"
	StageReputation = "reputation"
	StageAIVerdict  = "ai_verdict"
)

// Decode converts a stored output map into a typed value. JSON round trips
// turn integers into float64 and slices into []any, so weak typing is on.
func Decode(out Output, v any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return fmt.Errorf("creating decoder: %w", err)
	}

	if err := decoder.Decode(map[string]any(out)); err != nil {
		return fmt.Errorf("decoding output: %w", err)
	}

	return nil
}

// encode converts a typed output struct into an Output map.
func encode(v any) (Output, error) {
	out := make(map[string]any, 8)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &out,
	})
	if err != nil {
		return nil, fmt.Errorf("creating encoder: %w", err)
	}

	if err := decoder.Decode(v); err != nil {
		return nil, fmt.Errorf("encoding output: %w", err)
	}

	return Output(out), nil
}
