package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "yieldledger",
		Short:        "Collateralized lending ledger with a PT/YT yield splitter",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path (default ./config.{yaml,json,toml})")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Recover state and serve commands over NATS, gRPC and HTTP",
		RunE:  runServe,
	}

	f := serveCmd.Flags()
	f.String("postgres-dsn", "", "Postgres DSN")
	f.String("nats-url", "", "NATS server URL")
	f.String("grpc-addr", "", "gRPC listen address (default :9090)")
	f.String("http-addr", "", "HTTP gateway listen address (default :8080)")
	f.String("metrics-addr", "", "Prometheus listen address (default :9091)")
	f.String("migrations-dir", "", "read migrations from this directory instead of the embedded set")
	f.Int64("snapshot-interval", 0, "take a snapshot every N events (default 100000)")
	f.Float64("rate-limit", 0, "requests per second per ingress surface, 0 disables")
	f.Int("rate-burst", 0, "rate limiter burst (default 100)")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("log-file", "", "also write logs to this rotating file")
	f.String("pool-address", "", "lending pool address")
	f.String("splitter-address", "", "yield splitter address")
	f.String("owner", "", "initial protocol owner")
	f.Int64("maturity", 0, "splitter maturity (unix seconds)")
	f.Int64("genesis-time", 0, "pool genesis time (unix seconds)")

	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
