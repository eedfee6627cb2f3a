package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/controlplane"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/executor"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/operator"
)

// withApp opens the app, runs fn inside a tracked operation and closes the
// app again. fn returns an exit code and an error to print.
func withApp(name string, stderr io.Writer, fn func(ctx context.Context, a *app) (int, error)) int {
	ctx := context.Background()
	a, err := openApp(ctx, stderr)
	if err != nil {
		return report(stderr, err)
	}
	defer a.close(ctx)

	ctx, finish := a.obs.TrackOperation(ctx, "cli."+name, attribute.String("command", name))
	code, err := fn(ctx, a)
	finish(err)
	if err != nil {
		return report(stderr, err)
	}
	return code
}

func envOr(value, key string) string {
	if value != "" {
		return value
	}
	return os.Getenv(key)
}

// runSubmitCmd implements `exoarmur submit`.
//
// Exit codes:
//
//	0 = executed or queued for approval
//	1 = denied or blocked
//	2 = usage or runtime error
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		decisionFile string
		d            contracts.Decision
		class        string
		collective   contracts.CollectiveState
		key          string
		intentType   string
		params       string
		payloadRef   string
	)
	cmd.StringVar(&decisionFile, "decision", "", "Path to a decision JSON document (overrides the decision flags)")
	cmd.StringVar(&d.DecisionID, "decision-id", "", "Decision id (default: random)")
	cmd.StringVar(&d.CorrelationID, "correlation", "", "Correlation id (default: random)")
	cmd.StringVar(&d.TraceID, "trace", "", "Trace id (default: correlation id)")
	cmd.StringVar(&d.TenantID, "tenant", "default", "Tenant id")
	cmd.StringVar(&d.CellID, "cell", "default", "Cell id")
	cmd.StringVar(&d.EmitterID, "emitter", "", "Emitter id of the decision producer")
	cmd.StringVar(&d.Subject, "subject", "", "Subject the action targets (REQUIRED)")
	cmd.StringVar(&d.Classification, "classification", "suspicious", "benign | suspicious | malicious")
	cmd.StringVar(&d.Severity, "severity", "medium", "Severity")
	cmd.Float64Var(&d.Confidence, "confidence", 0, "Decision confidence in [0, 1]")
	cmd.StringVar(&class, "class", "A0", "Action class (A0..A3 or full name)")
	cmd.Float64Var(&collective.AggregateConfidence, "aggregate", 0, "Collective aggregate confidence")
	cmd.IntVar(&collective.QuorumCount, "quorum", 0, "Collective quorum count")
	cmd.StringVar(&key, "key", "", "Idempotency key (default: <correlation>:<class>)")
	cmd.StringVar(&intentType, "intent-type", "", "Intent type (default: derived from class)")
	cmd.StringVar(&params, "params", "", "Intent parameters as a JSON object")
	cmd.StringVar(&payloadRef, "payload-ref", "", "Reference to the evidence payload shown to approvers")

	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	if decisionFile != "" {
		data, err := os.ReadFile(decisionFile)
		if err != nil {
			return report(stderr, err)
		}
		d = contracts.Decision{}
		if err := json.Unmarshal(data, &d); err != nil {
			return report(stderr, fmt.Errorf("parse %s: %w", decisionFile, err))
		}
	} else {
		ac, err := contracts.ParseActionClass(class)
		if err != nil {
			return report(stderr, err)
		}
		d.ActionClass = ac
	}
	if d.Subject == "" {
		_, _ = fmt.Fprintln(stderr, "Error: a subject is required (--subject)")
		return exitError
	}
	if d.DecisionID == "" {
		d.DecisionID = uuid.NewString()
	}
	if d.CorrelationID == "" {
		d.CorrelationID = uuid.NewString()
	}
	if d.TraceID == "" {
		d.TraceID = d.CorrelationID
	}
	if d.ProducedAt.IsZero() {
		d.ProducedAt = time.Now().UTC()
	}
	if key == "" {
		key = d.CorrelationID + ":" + string(d.ActionClass)
	}

	var parameters map[string]any
	if params != "" {
		if err := json.Unmarshal([]byte(params), &parameters); err != nil {
			return report(stderr, fmt.Errorf("--params: %w", err))
		}
	}

	return withApp("submit", stderr, func(ctx context.Context, a *app) (int, error) {
		out, err := a.cp.Submit(ctx, controlplane.SubmitRequest{
			Decision:       d,
			Collective:     collective,
			IdempotencyKey: key,
			IntentType:     intentType,
			Parameters:     parameters,
			PayloadRef:     payloadRef,
		})
		if err != nil {
			return exitError, err
		}
		if err := writeJSON(stdout, out); err != nil {
			return exitError, err
		}
		switch out.Disposition {
		case controlplane.DispositionDenied, controlplane.DispositionBlocked:
			return exitNegative, nil
		default:
			return exitOK, nil
		}
	})
}

type resolution struct {
	ApprovalID string                   `json:"approval_id"`
	Status     contracts.ApprovalStatus `json:"status"`
	Operator   string                   `json:"operator"`
}

// runResolveCmd implements `exoarmur approve` and `exoarmur deny`.
//
// Exit codes:
//
//	0 = request now has the requested status
//	1 = request was already terminal with another status
//	2 = usage or runtime error
func runResolveCmd(action string, args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet(action, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var approvalID, token, named, reason string
	cmd.StringVar(&approvalID, "approval", "", "Approval id (REQUIRED)")
	cmd.StringVar(&token, "token", "", "Operator token (default: $EXOARMUR_OPERATOR_TOKEN)")
	cmd.StringVar(&named, "operator", "", "Operator id, used only when no operator key is configured")
	if action == "deny" {
		cmd.StringVar(&reason, "reason", "", "Denial reason (REQUIRED)")
	}
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if approvalID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --approval is required")
		return exitError
	}
	if action == "deny" && reason == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --reason is required")
		return exitError
	}

	return withApp(action, stderr, func(ctx context.Context, a *app) (int, error) {
		op, err := a.operatorFor(envOr(token, "EXOARMUR_OPERATOR_TOKEN"), named, operator.RoleApprover)
		if err != nil {
			return exitError, err
		}

		want := contracts.ApprovalApproved
		var status contracts.ApprovalStatus
		if action == "deny" {
			want = contracts.ApprovalDenied
			status, err = a.cp.Deny(ctx, approvalID, op, reason)
		} else {
			status, err = a.cp.Approve(ctx, approvalID, op)
		}
		if err != nil {
			return exitError, err
		}
		if err := writeJSON(stdout, resolution{ApprovalID: approvalID, Status: status, Operator: op}); err != nil {
			return exitError, err
		}
		if status != want {
			return exitNegative, nil
		}
		return exitOK, nil
	})
}

// runExecuteCmd implements `exoarmur execute`.
//
// Exit codes:
//
//	0 = executed, or already executed under the same key
//	1 = blocked
//	2 = usage or runtime error
func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("execute", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var approvalID, token string
	cmd.StringVar(&approvalID, "approval", "", "Approval id whose bound intent to execute (REQUIRED)")
	cmd.StringVar(&token, "token", "", "Operator token (default: $EXOARMUR_OPERATOR_TOKEN)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if approvalID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --approval is required")
		return exitError
	}

	return withApp("execute", stderr, func(ctx context.Context, a *app) (int, error) {
		if a.tokens != nil {
			if _, err := a.tokens.Authorize(envOr(token, "EXOARMUR_OPERATOR_TOKEN"), operator.RoleExecutor); err != nil {
				return exitError, err
			}
		}
		res, err := a.cp.Execute(ctx, approvalID)
		if err != nil {
			return exitError, err
		}
		if err := writeJSON(stdout, res); err != nil {
			return exitError, err
		}
		if !res.Executed {
			return exitNegative, nil
		}
		return exitOK, nil
	})
}

// runRevertCmd implements `exoarmur revert`.
func runRevertCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revert", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var key, reason, token string
	cmd.StringVar(&key, "key", "", "Idempotency key of the execution (REQUIRED)")
	cmd.StringVar(&reason, "reason", "", "Revert reason (REQUIRED)")
	cmd.StringVar(&token, "token", "", "Operator token (default: $EXOARMUR_OPERATOR_TOKEN)")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if key == "" || reason == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --key and --reason are required")
		return exitError
	}

	return withApp("revert", stderr, func(ctx context.Context, a *app) (int, error) {
		if a.tokens != nil {
			if _, err := a.tokens.Authorize(envOr(token, "EXOARMUR_OPERATOR_TOKEN"), operator.RoleExecutor); err != nil {
				return exitError, err
			}
		}
		res, err := a.cp.Revert(ctx, key, reason)
		if errors.Is(err, executor.ErrAlreadyReverted) || errors.Is(err, executor.ErrNotExecuted) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitNegative, nil
		}
		if err != nil {
			return exitError, err
		}
		return exitOK, writeJSON(stdout, res)
	})
}

// runExpireCmd implements `exoarmur expire`.
func runExpireCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("expire", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	return withApp("expire", stderr, func(ctx context.Context, a *app) (int, error) {
		expired, err := a.cp.ExpirePending(ctx)
		if err != nil {
			return exitError, err
		}
		if expired == nil {
			expired = []string{}
		}
		return exitOK, writeJSON(stdout, map[string]any{"expired": expired})
	})
}

// runApprovalsCmd implements `exoarmur approvals`.
func runApprovalsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approvals", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var pendingOnly bool
	cmd.BoolVar(&pendingOnly, "pending", false, "Only list PENDING requests")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}

	return withApp("approvals", stderr, func(_ context.Context, a *app) (int, error) {
		out := []*contracts.ApprovalRequest{}
		for _, req := range a.cp.Approvals().List() {
			if pendingOnly && req.Status != contracts.ApprovalPending {
				continue
			}
			out = append(out, req)
		}
		return exitOK, writeJSON(stdout, out)
	})
}

// runTokenCmd implements `exoarmur token`. It needs EXOARMUR_OPERATOR_KEY
// but no database.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var opID, tenant, roles string
	var ttl time.Duration
	cmd.StringVar(&opID, "operator", "", "Operator id (REQUIRED)")
	cmd.StringVar(&tenant, "tenant", "", "Tenant the operator acts for")
	cmd.StringVar(&roles, "roles", operator.RoleApprover, "Comma separated roles (approver, executor)")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return exitError
	}
	if opID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --operator is required")
		return exitError
	}

	key := os.Getenv("EXOARMUR_OPERATOR_KEY")
	if key == "" {
		_, _ = fmt.Fprintln(stderr, "Error: EXOARMUR_OPERATOR_KEY is not set")
		return exitError
	}
	seed, err := operator.ParseSeed(key)
	if err != nil {
		return report(stderr, err)
	}
	ks, err := operator.NewKeySetFromSeed(operatorKeyID, seed)
	if err != nil {
		return report(stderr, err)
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	tok, err := operator.NewTokenManager(ks).Issue(context.Background(), opID, tenant, roleList, ttl)
	if err != nil {
		return report(stderr, err)
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return exitOK
}
