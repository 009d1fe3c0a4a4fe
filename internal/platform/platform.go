// Package platform holds the engine's collaborator contracts. The engine is
// agnostic to what sits behind them: generation may be any image/video/text/
// voice backend, publishing may be an official API or something else entirely.
// Implementations classify their failures with the faults package; anything
// unclassified is treated as transient at the dispatch boundary.
package platform

import (
	"context"
)

// GenerationProvider produces a content artifact for a generation job. The
// engine never interprets artifact content; it only records the reference.
type GenerationProvider interface {
	Generate(ctx context.Context, kind string, payload map[string]any) (artifactRef string, err error)
}

// PlatformAdapter publishes and engages on an external platform account
// identified by the job's resource key.
type PlatformAdapter interface {
	Publish(ctx context.Context, resourceKey string, payload map[string]any) (platformRef string, err error)
	Engage(ctx context.Context, resourceKey string, payload map[string]any) error
}
