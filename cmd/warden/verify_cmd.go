package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/wardenlabs/warden/pkg/audit"
	"github.com/wardenlabs/warden/pkg/config"
)

// keyFlag is one retired signing key handed to offline verification.
type keyFlag struct {
	id  string
	key []byte
}

// keyFlags parses repeated --key id=material pairs. Material is the raw
// key string exactly as it was handed to the server, not hex.
type keyFlags []keyFlag

func (k *keyFlags) String() string {
	ids := make([]string, len(*k))
	for i, f := range *k {
		ids[i] = f.id
	}
	return strings.Join(ids, ",")
}

func (k *keyFlags) Set(v string) error {
	id, material, ok := strings.Cut(v, "=")
	if !ok || id == "" || material == "" {
		return fmt.Errorf("want id=material, got %q", v)
	}
	*k = append(*k, keyFlag{id: id, key: []byte(material)})
	return nil
}

// runVerifyCmd implements `warden verify`, offline audit chain
// verification against a sqlite store.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain invalid
//	2 = usage or environment error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		extraKeys  keyFlags
		jsonOutput bool
	)
	cmd.StringVar(&dbPath, "db", "", "Path to the sqlite database (REQUIRED)")
	cmd.Var(&extraKeys, "key", "Retired signing key as id=material (repeatable)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dbPath == "" {
		fmt.Fprintln(stderr, "Error: --db is required")
		cmd.Usage()
		return 2
	}

	// sql.Open would create an empty database and an empty chain
	// verifies clean, so require the file up front.
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_ = godotenv.Load()
	cfg := config.Load()
	if cfg.AuditKey == "" {
		fmt.Fprintf(stderr, "Error: %s is required to verify signatures\n", config.EnvAuditKey)
		return 2
	}

	ctx := context.Background()

	// Same derivation as the server, so the ring rebuilds from the env
	// secret alone.
	keyring, err := audit.DeriveKeyring([]byte(cfg.AuditKey), bootKeyID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: audit key: %v\n", err)
		return 2
	}
	for _, f := range extraKeys {
		if err := keyring.Rotate(f.id, f.key); err != nil {
			fmt.Fprintf(stderr, "Error: key %s: %v\n", f.id, err)
			return 2
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: open %s: %v\n", dbPath, err)
		return 2
	}
	defer db.Close()

	storage, err := audit.NewSQLStorage(ctx, db)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	chain, err := audit.NewChain(ctx, storage, keyring)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	report, err := chain.Verify(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, dbPath, chain.Head(), report)
	}

	if !report.Valid {
		return 1
	}
	return 0
}

func printReport(w io.Writer, dbPath, head string, report *audit.Report) {
	if report.Valid {
		fmt.Fprintf(w, "✅ Chain verified: %s\n", dbPath)
	} else {
		fmt.Fprintf(w, "❌ Chain verification failed: %s\n", dbPath)
	}
	fmt.Fprintf(w, "   Entries:  %d\n", report.EntriesChecked)
	fmt.Fprintf(w, "   Head:     %.16s\n", head)
	fmt.Fprintf(w, "   Keys:     %s\n", strings.Join(report.KeyIDs, ", "))
	fmt.Fprintf(w, "   Verified: %s\n", report.VerifiedAt.Format("2006-01-02 15:04:05 MST"))
	for _, f := range report.Failures {
		fmt.Fprintf(w, "   %s[%d] entry %s: %s%s\n", ColorRed, f.Index, f.EntryID, f.Reason, ColorReset)
	}
}
