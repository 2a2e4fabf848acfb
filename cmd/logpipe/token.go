package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fluxlog/logpipe/core/access"
)

// runTokenCommand implements "logpipe token", an operator affordance for
// minting an admin bearer token without standing up the rest of the
// process. It reads ADMIN_SECRET directly from the environment rather
// than through config.Load, since minting a token needs neither Postgres
// nor any of the process's other required configuration.
func runTokenCommand(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	ttl := fs.Duration("ttl", time.Hour, "validity period of the minted token")
	fs.Parse(args)

	secret := os.Getenv("ADMIN_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "token: ADMIN_SECRET must be set")
		os.Exit(1)
	}

	token, err := access.IssueAdminToken(secret, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
