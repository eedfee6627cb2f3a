package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/controlplane"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/replay"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("EXOARMUR_DB_DRIVER", "sqlite")
	t.Setenv("EXOARMUR_DATABASE_URL", "file:"+filepath.Join(dir, "exo.db"))
	t.Setenv("EXOARMUR_ARCHIVE_DIR", dir)
	t.Setenv("EXOARMUR_LOG_LEVEL", "ERROR")
	t.Setenv("EXOARMUR_OPERATOR_KEY", "")
	t.Setenv("EXOARMUR_OPERATOR_TOKEN", "")
	t.Setenv("EXOARMUR_POLICY_FILE", "")
	t.Setenv("EXOARMUR_REDIS_ADDR", "")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"exoarmur"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func submitArgs(corr, class, confidence string) []string {
	return []string{"submit",
		"--correlation", corr, "--decision-id", "dec-" + corr,
		"--tenant", "tenant-a", "--emitter", "sensor-7", "--subject", "host-42",
		"--classification", "malicious", "--severity", "high",
		"--class", class, "--confidence", confidence,
		"--key", "key-" + corr, "--params", `{"target":"host-42"}`,
	}
}

func TestRun_UsageAndVersion(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "USAGE")

	code, stdout, _ := run(t, "version")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, version)

	code, _, stderr = run(t, "frobnicate")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestRun_ApprovalLifecycleAcrossInvocations(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run(t, submitArgs("corr-1", "A1", "0.60")...)
	require.Equal(t, exitOK, code, stderr)
	var out controlplane.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, controlplane.DispositionPending, out.Disposition)
	require.NotEmpty(t, out.ApprovalID)

	code, stdout, _ = run(t, "execute", "--approval", out.ApprovalID)
	assert.Equal(t, exitNegative, code)
	var blocked executor.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &blocked))
	assert.False(t, blocked.Executed)

	code, stdout, stderr = run(t, "approvals", "--pending")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, out.ApprovalID)

	code, _, stderr = run(t, "approve", "--approval", out.ApprovalID, "--operator", "alice")
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr = run(t, "execute", "--approval", out.ApprovalID)
	require.Equal(t, exitOK, code, stderr)
	var first executor.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &first))
	assert.True(t, first.Executed)
	assert.False(t, first.Duplicate)

	code, stdout, stderr = run(t, "execute", "--approval", out.ApprovalID)
	require.Equal(t, exitOK, code, stderr)
	var second executor.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &second))
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.IntentHash, second.IntentHash)

	code, stdout, stderr = run(t, "replay", "--correlation", "corr-1", "--json")
	require.Equal(t, exitOK, code, stderr)
	var rep replay.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, replay.ResultSuccess, rep.Result)
	assert.Zero(t, rep.FailedEvents)

	code, _, stderr = run(t, "revert", "--key", "key-corr-1", "--reason", "false positive")
	require.Equal(t, exitOK, code, stderr)
	code, _, _ = run(t, "revert", "--key", "key-corr-1", "--reason", "again")
	assert.Equal(t, exitNegative, code)
}

func TestRun_DenyBlocksExecution(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run(t, submitArgs("corr-2", "A2", "0.50")...)
	require.Equal(t, exitOK, code, stderr)
	var out controlplane.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.NotEmpty(t, out.ApprovalID)

	code, _, _ = run(t, "deny", "--approval", out.ApprovalID, "--operator", "bob")
	assert.Equal(t, exitError, code, "deny needs a reason")

	code, _, stderr = run(t, "deny", "--approval", out.ApprovalID, "--operator", "bob", "--reason", "not our host")
	require.Equal(t, exitOK, code, stderr)

	code, _, _ = run(t, "approve", "--approval", out.ApprovalID, "--operator", "alice")
	assert.Equal(t, exitNegative, code)

	code, _, _ = run(t, "execute", "--approval", out.ApprovalID)
	assert.Equal(t, exitNegative, code)
}

func TestRun_ObserveExecutesImmediately(t *testing.T) {
	setupEnv(t)

	code, stdout, stderr := run(t, submitArgs("corr-3", "A0", "0.20")...)
	require.Equal(t, exitOK, code, stderr)
	var out controlplane.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, controlplane.DispositionExecuted, out.Disposition)
	require.NotNil(t, out.Execution)
	assert.True(t, out.Execution.Executed)
}

func TestRun_ArchiveExportAndReplay(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run(t, submitArgs("corr-4", "A0", "0.20")...)
	require.Equal(t, exitOK, code, stderr)

	code, stdout, stderr := run(t, "archive", "export", "--correlation", "corr-4")
	require.Equal(t, exitOK, code, stderr)
	var exported map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &exported))
	ref := exported["ref"]
	assert.True(t, strings.HasPrefix(ref, "sha256:"), ref)

	code, stdout, stderr = run(t, "archive", "replay", "--ref", ref)
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "success")

	code, _, _ = run(t, "archive", "replay", "--ref", "sha256:"+strings.Repeat("0", 64))
	assert.Equal(t, exitError, code)
}

func TestRun_OperatorTokens(t *testing.T) {
	setupEnv(t)
	seed := bytes.Repeat([]byte{7}, 32)
	t.Setenv("EXOARMUR_OPERATOR_KEY", base64.StdEncoding.EncodeToString(seed))

	code, stdout, stderr := run(t, submitArgs("corr-5", "A1", "0.60")...)
	require.Equal(t, exitOK, code, stderr)
	var out controlplane.Outcome
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	code, _, stderr = run(t, "approve", "--approval", out.ApprovalID, "--operator", "mallory")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "operator token is required")

	code, executorTok, stderr := run(t, "token", "--operator", "eve", "--roles", "executor")
	require.Equal(t, exitOK, code, stderr)
	code, _, _ = run(t, "approve", "--approval", out.ApprovalID, "--token", strings.TrimSpace(executorTok))
	assert.Equal(t, exitError, code, "executor role cannot approve")

	code, approverTok, stderr := run(t, "token", "--operator", "alice", "--roles", "approver")
	require.Equal(t, exitOK, code, stderr)
	code, stdout, stderr = run(t, "approve", "--approval", out.ApprovalID, "--token", strings.TrimSpace(approverTok))
	require.Equal(t, exitOK, code, stderr)
	var res resolution
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, "alice", res.Operator)

	code, _, _ = run(t, "execute", "--approval", out.ApprovalID, "--token", strings.TrimSpace(approverTok))
	assert.Equal(t, exitError, code, "approver role cannot execute")

	t.Setenv("EXOARMUR_OPERATOR_TOKEN", strings.TrimSpace(executorTok))
	code, _, stderr = run(t, "execute", "--approval", out.ApprovalID)
	assert.Equal(t, exitOK, code, stderr)
}

func TestRun_SubmitValidation(t *testing.T) {
	setupEnv(t)

	code, _, stderr := run(t, "submit", "--class", "A1")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "subject")

	code, _, _ = run(t, "submit", "--subject", "h", "--class", "A9")
	assert.Equal(t, exitError, code)

	code, _, _ = run(t, "submit", "--subject", "h", "--params", "{not json")
	assert.Equal(t, exitError, code)
}

func TestRun_Doctor(t *testing.T) {
	setupEnv(t)

	code, stdout, _ := run(t, "doctor", "--json")
	assert.Equal(t, exitOK, code, stdout)
	var results []checkResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
		assert.NotEqual(t, "fail", r.Status, r.Name)
	}
	assert.Contains(t, names, "audit_db")
	assert.Contains(t, names, "archive")

	t.Setenv("EXOARMUR_OPERATOR_KEY", "too-short")
	code, _, _ = run(t, "doctor")
	assert.Equal(t, exitNegative, code)
}
