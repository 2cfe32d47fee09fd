package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepfreeze/deepfreeze/internal/engine"
)

func cmdRotate(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	res, err := eng.Rotate(ctx, optInt(args, "--keep"), periodArgs(args))
	if res == nil {
		return err
	}
	// Unmount failures come back with a result; print it before the error.
	if perr := out.emit(res, func(t *table) error {
		t.row("NEW REPOSITORY", "CONTAINER", "PREVIOUS", "REBOUND POLICIES")
		t.row(res.Target.Name, res.Target.Container, res.Previous, strings.Join(res.Rebind, ","))
		t.row("")
		unmount := res.Unmounted
		if res.DryRun {
			unmount = res.Unmount
		}
		if len(unmount) > 0 {
			t.row("UNMOUNTED")
			for _, name := range unmount {
				t.row(name)
			}
			t.row("")
		}
		if res.Resumed {
			t.row("Resumed an interrupted rotation.")
		}
		t.row(fmt.Sprintf("Rotation complete%s.", dryRunNote(res.DryRun)))
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}
