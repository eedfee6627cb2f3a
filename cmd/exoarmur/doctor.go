package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/archive"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/audit"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/config"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd checks configuration and every configured dependency.
// It exits 1 when any check fails.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var asJSON bool
	cmd.BoolVar(&asJSON, "json", false, "Print results as JSON")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return printChecks(stdout, results, asJSON)
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: "log_level=" + cfg.LogLevel})

	if sink, err := audit.OpenSQLSink(ctx, cfg.DBDriver, cfg.DatabaseURL); err != nil {
		results = append(results, checkResult{Name: "audit_db", Status: "fail", Detail: err.Error()})
	} else {
		ids, err := sink.Correlations(ctx)
		if err != nil {
			results = append(results, checkResult{Name: "audit_db", Status: "fail", Detail: err.Error()})
		} else {
			results = append(results, checkResult{
				Name: "audit_db", Status: "ok",
				Detail: fmt.Sprintf("%s, %d correlations", cfg.DBDriver, len(ids)),
			})
		}
		_ = sink.Close()
	}

	switch policy, err := loadPolicy(cfg); {
	case err != nil:
		results = append(results, checkResult{Name: "policy", Status: "fail", Detail: err.Error()})
	case !policy.Verified:
		results = append(results, checkResult{
			Name: "policy", Status: "warn",
			Detail: "bundle hash " + policy.BundleHash + " does not match EXOARMUR_POLICY_SHA256",
		})
	case cfg.PolicyFile == "":
		results = append(results, checkResult{Name: "policy", Status: "warn", Detail: "EXOARMUR_POLICY_FILE not set, using built-in defaults"})
	default:
		results = append(results, checkResult{Name: "policy", Status: "ok", Detail: policy.Version + " " + policy.BundleHash})
	}

	if cfg.RedisAddr == "" {
		results = append(results, checkResult{Name: "redis", Status: "ok", Detail: "not configured, using in-process idempotency"})
	} else {
		store := executor.NewRedisIdempotencyStore(cfg.RedisAddr, "", 0, 0)
		if err := store.Ping(ctx); err != nil {
			results = append(results, checkResult{Name: "redis", Status: "fail", Detail: err.Error()})
		} else {
			results = append(results, checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr})
		}
		_ = store.Close()
	}

	if _, err := tokenManager(cfg); err != nil {
		results = append(results, checkResult{Name: "operator_key", Status: "fail", Detail: err.Error()})
	} else if cfg.OperatorKey == "" {
		results = append(results, checkResult{Name: "operator_key", Status: "warn", Detail: "not set, --operator is trusted as given"})
	} else {
		results = append(results, checkResult{Name: "operator_key", Status: "ok", Detail: "ed25519"})
	}

	if _, err := archive.NewStore(ctx, archiveConfig(cfg)); err != nil {
		results = append(results, checkResult{Name: "archive", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{Name: "archive", Status: "ok", Detail: cfg.ArchiveBackend})
	}

	return printChecks(stdout, results, asJSON)
}

func printChecks(stdout io.Writer, results []checkResult, asJSON bool) int {
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if asJSON {
		_ = writeJSON(stdout, results)
	} else {
		_, _ = fmt.Fprintf(stdout, "\n%sExoArmur Doctor%s\n", colorBold+colorBlue, colorReset)
		_, _ = fmt.Fprintln(stdout, "───────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			_, _ = fmt.Fprintf(stdout, "  %s  %-14s %s%s%s\n", icon, r.Name, colorGray, r.Detail, colorReset)
		}
	}

	if !allOK {
		return exitNegative
	}
	if !asJSON {
		_, _ = fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", colorGreen+colorBold, colorReset)
	}
	return exitOK
}
