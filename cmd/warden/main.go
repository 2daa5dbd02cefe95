package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/wardenlabs/warden/pkg/crypto"
)

const version = "0.2.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		// Default to server
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(stdout, stderr)
	case "doctor":
		return runDoctorCmd(stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "warden %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sWarden v%s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sSecurity substrate for autonomous agents.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  warden <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "RUNTIME")
	printCommand(w, "server", "Run the warden server (default)")
	printCommand(w, "doctor", "Check configuration and dependencies")
	printCommand(w, "health", "Check a running server over HTTP (--addr)")

	printSection(w, "AUDIT")
	printCommand(w, "verify", "Verify an audit chain offline (--db, --key, --json)")

	printSection(w, "UTILITIES")
	printCommand(w, "keygen", "Generate hex key material for the secret env vars")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runKeygenCmd implements `warden keygen`. Two independent keys: reusing
// one secret for both signing domains is the mistake this exists to
// prevent.
func runKeygenCmd(stdout, stderr io.Writer) int {
	tokenSecret, err := crypto.RandomHex(32)
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}
	auditKey, err := crypto.RandomHex(32)
	if err != nil {
		fmt.Fprintf(stderr, "keygen failed: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "WARDEN_TOKEN_SECRET=%s\n", tokenSecret)
	fmt.Fprintf(stdout, "WARDEN_AUDIT_KEY=%s\n", auditKey)
	return 0
}

// runHealthCmd implements `warden health` against a running server.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	addr := cmd.String("addr", "127.0.0.1:8420", "server address (host:port)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + *addr + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	fmt.Fprintln(stdout, "OK")
	return 0
}
