package main

import (
	"context"
	"fmt"

	"github.com/deepfreeze/deepfreeze/internal/engine"
)

func cmdRepairMetadata(ctx context.Context, eng *engine.Engine, out *printer) error {
	report, err := eng.RepairMetadata(ctx)
	if report == nil {
		return err
	}
	if perr := out.emit(report, func(t *table) error {
		if len(report.Findings) == 0 {
			t.row("No drift found.")
			return nil
		}
		t.row("CLASS", "ENTITY", "DETAIL", "FIXED")
		for _, f := range report.Findings {
			t.row(string(f.Class), f.Name, f.Detail, fmt.Sprint(f.Fixed))
		}
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}
