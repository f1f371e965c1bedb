package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adaql/ada/internal/cli/adactl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := adactl.Options{
		BaseURL:  envOr("ADA_API_URL", "http://localhost:8080"),
		Token:    strings.TrimSpace(os.Getenv("ADA_API_TOKEN")),
		TenantID: strings.TrimSpace(os.Getenv("ADA_TENANT_ID")),
		Timeout:  parseDurationWithDefault(strings.TrimSpace(os.Getenv("ADA_CLI_TIMEOUT")), 10*time.Second),
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	code := adactl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid ADA_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
