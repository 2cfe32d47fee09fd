package main

import (
	"context"
	"fmt"

	"github.com/deepfreeze/deepfreeze/internal/engine"
)

func cmdRefreeze(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	// --all passes an empty id.
	id, _ := args["--thaw-request-id"].(string)
	refrozen, err := eng.Refreeze(ctx, id)
	if refrozen == nil && err != nil {
		return err
	}
	if perr := out.emit(refrozen, func(t *table) error {
		if len(refrozen) == 0 {
			t.row("No completed thaw request to refreeze.")
			return nil
		}
		t.row("THAW REQUEST", "STATUS")
		for _, r := range refrozen {
			t.row(r.ID, string(r.Status))
		}
		t.row("")
		t.row(fmt.Sprintf("Refroze %d thaw requests%s.", len(refrozen), dryRunNote(eng.DryRun())))
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}
