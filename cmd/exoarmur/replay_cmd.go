package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/archive"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
)

// printReport writes a replay report as JSON or as a short summary and maps
// its result to an exit code.
func printReport(stdout io.Writer, rep *replay.Report, asJSON bool) (int, error) {
	if asJSON {
		if err := writeJSON(stdout, rep); err != nil {
			return exitError, err
		}
	} else {
		color := colorGreen
		if !rep.Succeeded() {
			color = "\033[31m"
		}
		_, _ = fmt.Fprintf(stdout, "%sReplay %s%s  %s%s%s\n", colorBold, rep.CorrelationID, colorReset, color, rep.Result, colorReset)
		_, _ = fmt.Fprintf(stdout, "  events: %d total, %d processed, %d failed\n", rep.TotalEvents, rep.ProcessedEvents, rep.FailedEvents)
		_, _ = fmt.Fprintf(stdout, "  verdicts: %d  approvals: %d  intents: %d\n", len(rep.Verdicts), len(rep.Approvals), len(rep.Intents))
		for _, f := range rep.Failures {
			_, _ = fmt.Fprintf(stdout, "  %s✗ %s%s %s\n", colorGray, f.Code, colorReset, f.Detail)
		}
	}
	if !rep.Succeeded() {
		return exitNegative, nil
	}
	return exitOK, nil
}

// runReplayCmd implements `exoarmur replay`.
//
// Exit codes:
//
//	0 = every record verified
//	1 = partial or failed replay
//	2 = usage or runtime error
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var correlationID, file string
	var asJSON bool
	cmd.StringVar(&correlationID, "correlation", "", "Correlation id to replay from the audit database")
	cmd.StringVar(&file, "file", "", "Replay a JSON Lines record file instead of the database")
	cmd.BoolVar(&asJSON, "json", false, "Print the full report as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if (correlationID == "") == (file == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --correlation or --file is required")
		return exitError
	}

	if file != "" {
		// Offline: only the policy is needed to re-evaluate verdicts.
		cfg, err := config.Load()
		if err != nil {
			return report(stderr, err)
		}
		policy, err := loadPolicy(cfg)
		if err != nil {
			return report(stderr, err)
		}
		gate, err := policy.Gate()
		if err != nil {
			return report(stderr, err)
		}
		rep, err := replay.NewEngine(nil).WithGate(gate).WithLogger(newLogger(cfg, stderr)).ReplayFile(file)
		if err != nil {
			return report(stderr, err)
		}
		code, err := printReport(stdout, rep, asJSON)
		if err != nil {
			return report(stderr, err)
		}
		return code
	}

	return withApp("replay", stderr, func(ctx context.Context, a *app) (int, error) {
		rep, err := a.cp.ReplayCorrelation(ctx, correlationID)
		if err != nil {
			return exitError, err
		}
		return printReport(stdout, rep, asJSON)
	})
}

// runArchiveCmd implements `exoarmur archive export|replay`.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: exoarmur archive <export|replay> [flags]")
		return exitError
	}

	switch args[0] {
	case "export":
		cmd := flag.NewFlagSet("archive export", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		var correlationID string
		cmd.StringVar(&correlationID, "correlation", "", "Correlation id to export (REQUIRED)")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitError
		}
		if correlationID == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --correlation is required")
			return exitError
		}
		return withApp("archive.export", stderr, func(ctx context.Context, a *app) (int, error) {
			store, err := archive.NewStore(ctx, archiveConfig(a.cfg))
			if err != nil {
				return exitError, err
			}
			ref, err := archive.NewArchiver(store, a.sink).WithLogger(a.logger).ExportTrail(ctx, correlationID)
			if err != nil {
				return exitError, err
			}
			return exitOK, writeJSON(stdout, map[string]string{"correlation_id": correlationID, "ref": ref})
		})

	case "replay":
		cmd := flag.NewFlagSet("archive replay", flag.ContinueOnError)
		cmd.SetOutput(stderr)
		var ref string
		var asJSON bool
		cmd.StringVar(&ref, "ref", "", "Archive reference returned by export (REQUIRED)")
		cmd.BoolVar(&asJSON, "json", false, "Print the full report as JSON")
		if err := cmd.Parse(args[1:]); err != nil {
			return exitError
		}
		if ref == "" {
			_, _ = fmt.Fprintln(stderr, "Error: --ref is required")
			return exitError
		}
		return withApp("archive.replay", stderr, func(ctx context.Context, a *app) (int, error) {
			store, err := archive.NewStore(ctx, archiveConfig(a.cfg))
			if err != nil {
				return exitError, err
			}
			manifest, records, err := archive.NewArchiver(store, a.sink).WithLogger(a.logger).LoadTrail(ctx, ref)
			if err != nil {
				return exitError, err
			}
			rep := replay.NewEngine(nil).WithGate(a.gate).WithLogger(a.logger).
				ReplayRecords(manifest.CorrelationID, records)
			return printReport(stdout, rep, asJSON)
		})

	default:
		_, _ = fmt.Fprintf(stderr, "Unknown archive command: %s\n", args[0])
		return exitError
	}
}
