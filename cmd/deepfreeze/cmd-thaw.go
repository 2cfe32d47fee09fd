package main

import (
	"context"
	"fmt"
	"time"

	"github.com/deepfreeze/deepfreeze/internal/engine"
	"github.com/deepfreeze/deepfreeze/internal/status"
	"github.com/deepfreeze/deepfreeze/internal/thaw"
	"github.com/deepfreeze/deepfreeze/pkg/types"
)

func cmdThaw(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	switch {
	case args["--check-status"].(bool):
		return cmdThawCheckStatus(ctx, eng, args, out)
	case args["--list"].(bool):
		return cmdThawList(ctx, eng, args, out)
	}

	req := thaw.Request{
		Range: types.DateRange{
			Start: args["--start-date"].(time.Time),
			// The end date is inclusive.
			End: args["--end-date"].(time.Time).Add(24*time.Hour - time.Nanosecond),
		},
	}
	if v, ok := args["--days"].(int); ok {
		req.Days = v
	}
	if v, ok := args["--tier"].(string); ok {
		req.Tier = v
	}

	outcomes, err := eng.Thaw(ctx, req)
	if outcomes == nil && err != nil {
		return err
	}
	if perr := out.emit(outcomes, func(t *table) error {
		if len(outcomes) == 0 {
			t.row("No retired repository overlaps the requested range.")
			return nil
		}
		t.row("REPOSITORY", "THAW REQUEST", "STATUS", "NOTE")
		for _, o := range outcomes {
			id, st, note := "-", "-", ""
			if o.Request != nil {
				id, st = o.Request.ID, string(o.Request.Status)
			}
			switch {
			case o.Reused:
				note = "already thawing"
			case o.Planned:
				note = "planned" + dryRunNote(true)
			}
			t.row(o.Repository, id, st, note)
		}
		t.row("")
		t.row("Run 'deepfreeze thaw --check-status' to follow the restores.")
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}

func cmdThawCheckStatus(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	id, _ := args["<id>"].(string)
	checks, err := eng.CheckStatus(ctx, id)
	if checks == nil && err != nil {
		return err
	}
	if perr := out.emit(checks, func(t *table) error {
		t.row("THAW REQUEST", "PREVIOUS", "STATUS", "RESTORED", "PENDING", "NOTE")
		for _, c := range checks {
			note := c.Request.FailureReason
			if c.Changed && note == "" {
				note = "changed"
			}
			t.row(c.Request.ID, string(c.Previous), string(c.Request.Status),
				fmt.Sprint(c.Restore.Restored), fmt.Sprint(c.Restore.Pending), note)
		}
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}

func cmdThawList(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	entries, err := eng.ListThaws(ctx, args["--include-completed"].(bool))
	if err != nil {
		return err
	}
	if out.json {
		return out.emit(entries, nil)
	}
	return status.WriteThaws(out.raw(), entries)
}
