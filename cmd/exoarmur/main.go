// Command exoarmur is the operator CLI of the ExoArmur control plane. Every
// command rebuilds state from the SQL audit trail, acts, and exits.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// Exit codes.
const (
	exitOK       = 0
	exitNegative = 1 // denied, blocked, or failed verification
	exitError    = 2 // usage or runtime error
)

const version = "v1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches a command line and returns the process exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitError
	}

	switch args[1] {
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "approve":
		return runResolveCmd("approve", args[2:], stdout, stderr)
	case "deny":
		return runResolveCmd("deny", args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "revert":
		return runRevertCmd(args[2:], stdout, stderr)
	case "expire":
		return runExpireCmd(args[2:], stdout, stderr)
	case "approvals":
		return runApprovalsCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "exoarmur %s\n", version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitError
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sExoArmur Control Plane %s%s\n", colorBold+colorBlue, version, colorReset)
	fmt.Fprintf(w, "%sNothing executes without a verdict, and nothing consequential without a bound approval.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  exoarmur <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "PIPELINE")
	printCommand(w, "submit", "Evaluate a decision and execute, queue or deny its intent")
	printCommand(w, "approve", "Approve a pending request (--approval, --token|--operator)")
	printCommand(w, "deny", "Deny a pending request (--approval, --reason)")
	printCommand(w, "execute", "Execute the intent bound to an approval (--approval)")
	printCommand(w, "revert", "Revert an executed intent (--key, --reason)")
	printCommand(w, "expire", "Expire overdue pending approvals")
	printCommand(w, "approvals", "List approval requests (--pending)")

	printSection(w, "VERIFICATION")
	printCommand(w, "replay", "Replay a correlation (--correlation | --file)")
	printCommand(w, "archive", "Export or replay archived trails (export|replay)")

	printSection(w, "OPERATIONS")
	printCommand(w, "token", "Issue an operator token (--operator, --roles)")
	printCommand(w, "doctor", "Check configuration and dependencies")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", colorGreen, name, colorReset, desc)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func report(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitError
}
