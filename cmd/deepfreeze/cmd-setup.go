package main

import (
	"context"
	"fmt"

	"github.com/deepfreeze/deepfreeze/internal/engine"
	"github.com/deepfreeze/deepfreeze/internal/rotation"
)

func periodArgs(args map[string]interface{}) rotation.Period {
	var p rotation.Period
	if v, ok := args["--year"].(int); ok {
		p.Year = v
	}
	if v, ok := args["--month"].(int); ok {
		p.Month = v
	}
	return p
}

func cmdSetup(ctx context.Context, eng *engine.Engine, args map[string]interface{}, out *printer) error {
	res, err := eng.Setup(ctx, periodArgs(args))
	if res == nil {
		return err
	}
	if perr := out.emit(res, func(t *table) error {
		t.row("REPOSITORY", "CONTAINER", "BASE PATH", "POLICY")
		t.row(res.Target.Name, res.Target.Container, res.Target.BasePath, res.Policy)
		if res.Template != "" {
			t.row("")
			t.row("Index template " + res.Template + " now uses policy " + res.Policy + ".")
		}
		if res.Resumed {
			t.row("Resumed an interrupted setup.")
		}
		t.row(fmt.Sprintf("Setup complete%s.", dryRunNote(res.DryRun)))
		return nil
	}); perr != nil && err == nil {
		err = perr
	}
	return err
}
