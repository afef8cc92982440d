// Command verify-ledger recomputes the audit ledger's hash chain and
// reports whether it is intact. It opens the database read-only and
// never writes.
//
// Exit codes: 0 chain intact, 1 tampering detected, 2 I/O or usage error.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/veridian-labs/actiongate/pkg/ledger"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	fs := flag.NewFlagSet("verify-ledger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "actiongate.db", "path to the SQLite ledger database")
	dbURL := fs.String("database-url", "", "postgres connection URL (overrides -db)")
	from := fs.Uint64("from", 0, "first sequence to check (0 = genesis)")
	to := fs.Uint64("to", 0, "last sequence to check (0 = head)")
	asJSON := fs.Bool("json", false, "emit the result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()

	var (
		db  *sql.DB
		err error
	)
	if *dbURL != "" {
		db, err = sql.Open("postgres", *dbURL)
	} else {
		db, err = sql.Open("sqlite", "file:"+*dbPath+"?mode=ro")
	}
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	var led ledger.Ledger
	if *dbURL != "" {
		led = ledger.OpenPostgresLedger(db, nil)
	} else {
		led = ledger.OpenSQLiteLedger(db, nil)
	}

	result, err := led.VerifyChain(ctx, *from, *to)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 2
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(result)
	} else if result.OK {
		fmt.Fprintf(stdout, "OK: %d entries verified\n", result.Checked)
	} else {
		fmt.Fprintf(stdout, "TAMPERED: chain broken at seq %d: %s\n", result.BrokenAtSeq, result.Reason)
	}

	if result.OK {
		return 0
	}
	return 1
}
