// Package fingerprint detects browser fingerprinting from the JavaScript
// calls recorded while a site was crawled.
package fingerprint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/privacyscore/scanner/internal/executor"
	"github.com/privacyscore/scanner/internal/trace"
)

const (
	Name = "fingerprinting"

	// ArtifactCalls is the raw artifact holding every call of the site.
	ArtifactCalls = "javascript_calls"
)

var ErrNoTraces = errors.New("no crawl database configured")

type CallSource interface {
	Calls(ctx context.Context, siteURL string) ([]trace.Call, error)
}

type Test struct {
	calls CallSource
}

// New returns the test. A nil source makes every run fail with
// ErrNoTraces.
func New(calls CallSource) Test {
	return Test{calls: calls}
}

func (t Test) Run(ctx context.Context, target executor.Target, _ executor.Params, out executor.Outcomes) error {
	if t.calls == nil {
		return ErrNoTraces
	}
	calls, err := t.calls.Calls(ctx, target.URL)
	if err != nil {
		return fmt.Errorf("reading calls of %s: %w", target.URL, err)
	}
	if calls == nil {
		calls = []trace.Call{}
	}
	slog.DebugContext(ctx, "calls loaded", "count", len(calls))

	raw, err := json.Marshal(calls)
	if err != nil {
		return err
	}
	if err := out.StoreArtifact(ctx, ArtifactCalls, "application/json", raw); err != nil {
		return err
	}
	return out.RecordResult(ctx, Analyse(calls))
}
