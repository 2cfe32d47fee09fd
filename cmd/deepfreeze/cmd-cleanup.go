package main

import (
	"context"
	"fmt"

	"github.com/deepfreeze/deepfreeze/internal/engine"
)

func cmdCleanup(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	res, err := eng.Cleanup(ctx, optInt(args, "--refrozen-retention-days"))
	if res == nil {
		return err
	}
	if perr := out.emit(res, func(t *table) error {
		t.row("KIND", "ID", "ACTION")
		for _, id := range res.ThawRequests {
			t.row("thaw_request", id, "deleted")
		}
		for _, id := range res.Repositories {
			t.row("repository", id, "deleted")
		}
		for _, id := range res.Expired {
			t.row("thaw_request", id, "expired, refreeze to release")
		}
		for _, id := range res.Skipped {
			t.row("repository", id, "skipped, still mounted")
		}
		t.row("")
		t.row(fmt.Sprintf("Cleanup complete%s.", dryRunNote(res.DryRun)))
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}
