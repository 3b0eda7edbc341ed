// Command rustytimer-admin is an operator CLI for provisioning device
// tokens against the Server's Postgres store, the out-of-band step a
// race director runs once per Forwarder or Receiver before handing it
// its config file (spec.md §4.4, §4.6: both devices authenticate with
// a bearer token looked up via device_tokens).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rustytimer/rusty-timer/internal/serverstore"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "issue-token":
		issueToken(os.Args[2:])
	case "revoke-token":
		revokeToken(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  rustytimer-admin issue-token -db-url <url> -device-type forwarder|receiver
  rustytimer-admin revoke-token -db-url <url> -device-id <id>`)
}

func issueToken(args []string) {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	dbURL := fs.String("db-url", "", "DATABASE_URL (defaults to $DATABASE_URL)")
	deviceType := fs.String("device-type", "", "forwarder|receiver")
	fs.Parse(args)

	if *deviceType != "forwarder" && *deviceType != "receiver" {
		log.Fatal("rustytimer-admin: -device-type must be forwarder or receiver")
	}

	store := openStore(*dbURL)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	deviceID, token, err := store.IssueToken(ctx, *deviceType)
	if err != nil {
		log.Fatalf("rustytimer-admin: %v", err)
	}

	fmt.Printf("device_id: %s\ntoken:     %s\n", deviceID, token)
}

func revokeToken(args []string) {
	fs := flag.NewFlagSet("revoke-token", flag.ExitOnError)
	dbURL := fs.String("db-url", "", "DATABASE_URL (defaults to $DATABASE_URL)")
	deviceID := fs.String("device-id", "", "device_id to revoke")
	fs.Parse(args)

	if *deviceID == "" {
		log.Fatal("rustytimer-admin: -device-id is required")
	}

	store := openStore(*dbURL)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.RevokeToken(ctx, *deviceID); err != nil {
		log.Fatalf("rustytimer-admin: %v", err)
	}
	fmt.Printf("revoked tokens for device_id: %s\n", *deviceID)
}

func openStore(dbURL string) *serverstore.Store {
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("rustytimer-admin: -db-url or $DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := serverstore.Open(ctx, dbURL)
	if err != nil {
		log.Fatalf("rustytimer-admin: connect: %v", err)
	}
	return store
}
