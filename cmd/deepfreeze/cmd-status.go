package main

import (
	"context"

	"github.com/deepfreeze/deepfreeze/internal/engine"
)

func cmdStatus(ctx context.Context, eng *engine.Engine, out *printer) error {
	report, err := eng.Status(ctx)
	if err != nil {
		return err
	}
	if out.json {
		return out.emit(report, nil)
	}
	return report.WriteTabular(out.raw())
}
