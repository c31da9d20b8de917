package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// outcomes writes what one test reports for one scan. Writes outlive the
// test's context, so a canceled test still leaves its outcomes behind.
type outcomes struct {
	c      *Coordinator
	scanID int64
	test   string
}

func (o outcomes) RecordResult(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding result of %s: %w", o.test, err)
	}
	_, err = o.c.records.AddResult(context.WithoutCancel(ctx), o.scanID, o.test, data)
	return err
}

func (o outcomes) RecordError(ctx context.Context, msg string) error {
	slog.WarnContext(ctx, "test error", "error", msg)
	return o.c.records.AddError(context.WithoutCancel(ctx), o.scanID, o.test, msg)
}

func (o outcomes) StoreArtifact(ctx context.Context, identifier, dataType string, payload []byte) error {
	ref, err := o.c.artifacts.Put(ctx, payload)
	if err != nil {
		return fmt.Errorf("storing %s: %w", identifier, err)
	}
	raw, err := o.c.records.AddRaw(context.WithoutCancel(ctx), o.scanID, o.test, identifier, dataType, ref)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "artifact stored",
		"identifier", identifier,
		"tier", ref.Tier.String(),
		"size", len(payload),
		"raw_id", raw.ID,
	)
	return nil
}
