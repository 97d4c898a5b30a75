package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"homestay/internal/api"
	"homestay/internal/config"
)

// token prints a bearer token for a user, signed with the configured secret.
// Login is handled by the identity service; this is for local testing and operators.
func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "path to config.yaml")
		userID     = flag.Int64("user", 0, "user ID to put in the token subject")
		ttl        = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	if *userID <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -user is required")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}

	token, err := api.NewTokenAuth(cfg.API.Auth).Issue(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
