package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/deepfreeze/deepfreeze/internal/config"
	"github.com/deepfreeze/deepfreeze/internal/engine"
	"github.com/deepfreeze/deepfreeze/pkg/errors"
	"github.com/deepfreeze/deepfreeze/pkg/utils"
)

// `xVersion` is injected at build time.
var (
	xVersion = "dev"
	version  = fmt.Sprintf("deepfreeze-%s", xVersion)
)

// `qqBackticks()` translates double single quote to backtick.
func qqBackticks(s string) string {
	return strings.Replace(s, "''", "`", -1)
}

var usage = qqBackticks(strings.TrimSpace(`
Usage:
  deepfreeze [options] setup [--year=<year> --month=<month>]
  deepfreeze [options] status
  deepfreeze [options] rotate [--keep=<n>] [--year=<year> --month=<month>]
  deepfreeze [options] thaw --start-date=<date> --end-date=<date> [--days=<n>] [--tier=<tier>]
  deepfreeze [options] thaw --check-status [<id>]
  deepfreeze [options] thaw --list [--include-completed]
  deepfreeze [options] refreeze (--thaw-request-id=<id> | --all)
  deepfreeze [options] cleanup [--refrozen-retention-days=<n>]
  deepfreeze [options] repair-metadata
  deepfreeze -h | --help
  deepfreeze --version

Options:
  --config=<path>      Configuration file.  Defaults to
                       ''~/.deepfreeze/config.yml'' if it exists.
  --dry-run            Report what would change without writing metadata or
                       calling any mutating storage or cluster operation.
  --json               Print results as JSON instead of tables.
  --log-level=<level>  DEBUG, INFO, WARN or ERROR.  Overrides the config file.
  --log-format=<fmt>   ''json'' or ''console''.  Overrides the config file.
  --year=<year>        Year for date-style repository names.
  --month=<month>      Month for date-style repository names.
  --keep=<n>           Number of retired repositories to keep mounted.
                       Overrides the keep_count recorded at setup.
  --start-date=<date>  First day to thaw, ''YYYY-MM-DD''.
  --end-date=<date>    Last day to thaw, ''YYYY-MM-DD'', inclusive.
  --days=<n>           Days restored objects stay available.
  --tier=<tier>        Retrieval tier: Standard, Bulk or Expedited.
  --check-status       Poll restores.  Without ''<id>'' every open thaw
                       request is polled.
  --list               List thaw requests.
  --include-completed  Also list failed and refrozen thaw requests.
  --thaw-request-id=<id>  Refreeze a single completed thaw request.
  --all                Refreeze every completed thaw request.
  --refrozen-retention-days=<n>  Keep refrozen thaw requests this many days.
                       Overrides the value recorded at setup.

''deepfreeze setup'' creates the first repository, its container and the ILM
policy, and records the settings every later command uses.  It refuses to
run twice.

''deepfreeze rotate'' creates the next repository, points the ILM policies at
it and unmounts the oldest retired repositories beyond ''--keep''.  Run it
from cron, for example monthly.

''deepfreeze thaw'' restores the repositories whose date range overlaps the
requested range.  Restores take hours; run ''thaw --check-status''
periodically until the requests are completed.  ''deepfreeze refreeze''
returns the data to the archive tier.

''deepfreeze repair-metadata'' compares the recorded state with the cluster
and object storage.  With ''--dry-run'' it only reports.

Exit codes: 0 success; 1 internal or metadata error; 2 configuration error;
3 cluster contention; 4 invalid state; 5 drift detected; 6 provider error.
`))

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(argv []string, stdout io.Writer) int {
	args, err := argparse(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deepfreeze: %v\n", err)
		return errors.ExitCode(err)
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deepfreeze: %v\n", err)
		return errors.ExitCode(err)
	}

	var logw io.Writer = os.Stderr
	if cfg.Global.LogFile != "" {
		lf, err := utils.OpenLogFile(utils.LogFileConfig{
			Path:       config.ExpandPath(cfg.Global.LogFile),
			MaxSizeMB:  cfg.Global.LogMaxSizeMB,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "deepfreeze: %v\n", err)
			return 2
		}
		defer func() { _ = lf.Close() }()
		logw = lf
	}
	logger, sync, err := utils.NewLoggerWithWriter(cfg.Global.LogLevel, cfg.Global.LogFormat, logw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deepfreeze: %v\n", err)
		return 2
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.Options{
		DryRun: args["--dry-run"].(bool),
		Logger: logger,
	})
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return errors.ExitCode(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			logger.Warn("Failed to shut down cleanly", "error", err)
		}
	}()

	out := newPrinter(stdout, args["--json"].(bool))
	switch {
	case args["setup"].(bool):
		err = cmdSetup(ctx, eng, args, out)
	case args["status"].(bool):
		err = cmdStatus(ctx, eng, out)
	case args["rotate"].(bool):
		err = cmdRotate(ctx, eng, args, out)
	case args["thaw"].(bool):
		err = cmdThaw(ctx, eng, args, out)
	case args["refreeze"].(bool):
		err = cmdRefreeze(ctx, eng, args, out)
	case args["cleanup"].(bool):
		err = cmdCleanup(ctx, eng, args, out)
	case args["repair-metadata"].(bool):
		err = cmdRepairMetadata(ctx, eng, out)
	default:
		panic("unhandled args")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "deepfreeze: %v\n", err)
		return errors.ExitCode(err)
	}
	return 0
}

func argparse(argv []string) (map[string]interface{}, error) {
	const autoHelp = true
	const noOptionFirst = false
	args, err := docopt.Parse(usage, argv, autoHelp, version, noOptionFirst)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfiguration, "invalid arguments")
	}

	for _, k := range []string{
		"--year",
		"--month",
		"--keep",
		"--days",
		"--refrozen-retention-days",
	} {
		if arg, ok := args[k].(string); ok {
			v, err := strconv.Atoi(arg)
			if err != nil || v < 0 {
				return nil, errors.Newf(errors.ErrCodeConfiguration, "invalid %s %q", k, arg)
			}
			args[k] = v
		}
	}

	for _, k := range []string{
		"--start-date",
		"--end-date",
	} {
		if arg, ok := args[k].(string); ok {
			v, err := time.Parse("2006-01-02", arg)
			if err != nil {
				return nil, errors.Newf(errors.ErrCodeConfiguration, "invalid %s %q, want YYYY-MM-DD", k, arg)
			}
			args[k] = v
		}
	}

	if tier, ok := args["--tier"].(string); ok {
		switch tier {
		case "Standard", "Bulk", "Expedited":
		default:
			return nil, errors.Newf(errors.ErrCodeConfiguration, "invalid --tier %q", tier)
		}
	}

	return args, nil
}

// loadConfig reads the config file, falling back to defaults when the
// default file does not exist, then applies command line overrides.
func loadConfig(args map[string]interface{}) (*config.Configuration, error) {
	path, explicit := args["--config"].(string)
	if !explicit {
		path = config.DefaultPath
		if _, err := os.Stat(config.ExpandPath(path)); err != nil {
			path = ""
		}
	}

	return config.Load(path, func(c *config.Configuration) {
		if v, ok := args["--log-level"].(string); ok {
			c.Global.LogLevel = v
		}
		if v, ok := args["--log-format"].(string); ok {
			c.Global.LogFormat = v
		}
	})
}

func optInt(args map[string]interface{}, key string) *int {
	if v, ok := args[key].(int); ok {
		return &v
	}
	return nil
}
