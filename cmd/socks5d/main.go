// Package main provides the CLI entry point for socks5gate.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"github.com/postalsys/socks5gate/internal/logging"
	"github.com/postalsys/socks5gate/internal/metrics"
	"github.com/postalsys/socks5gate/internal/socks5"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		listenIP string
		port     int
		user     string
		pass     string
		bindAddr string
		authOnce bool
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:          "socks5d",
		Short:        "A minimal SOCKS5 proxy server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// pflag's string values share os.Args's memory; copy them
			// before zeroCredentialArgs wipes that memory.
			user = strings.Clone(user)
			pass = strings.Clone(pass)

			if (user == "") != (pass == "") {
				return fmt.Errorf("-u and -P must be given together or not at all")
			}
			if authOnce && user == "" {
				return fmt.Errorf("-1 requires -u and -P")
			}

			var bindIP net.IP
			if bindAddr != "" {
				bindIP = net.ParseIP(bindAddr)
				if bindIP == nil {
					return fmt.Errorf("invalid -b address: %q", bindAddr)
				}
			}

			logger := logging.NopLogger()
			if !quiet {
				logger = logging.NewLogger("info", "text")
			}

			cfg := socks5.DefaultServerConfig()
			cfg.Address = net.JoinHostPort(listenIP, fmt.Sprintf("%d", port))
			cfg.BindAddr = bindIP
			cfg.AuthUser = user
			cfg.AuthPass = pass
			cfg.AuthOnce = authOnce
			cfg.Logger = logger
			cfg.Metrics = metrics.Default()

			zeroCredentialArgs()

			server := socks5.NewServer(cfg)
			if err := server.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			logger.Info("socks5gate started",
				logging.KeyComponent, "main",
				logging.KeyBindAddr, server.Address().String())

			waitForShutdown(server, logger)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&listenIP, "listen-ip", "i", "0.0.0.0", "address to listen on")
	flags.IntVarP(&port, "port", "p", 1080, "port to listen on")
	flags.StringVarP(&user, "user", "u", "", "required username (must be given with -P)")
	flags.StringVarP(&pass, "pass", "P", "", "required password (must be given with -u)")
	flags.StringVarP(&bindAddr, "bind", "b", "", "outgoing source address for CONNECT/UDP")
	flags.BoolVarP(&authOnce, "auth-once", "1", false, "authenticate once per source IP (requires -u/-P)")
	flags.BoolVarP(&quiet, "quiet", "q", false, "disable logging")

	return cmd
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops the server with
// a bounded grace period. SIGPIPE is ignored for the process's lifetime per
// spec §6 so a relay peer resetting a socket never raises it as a signal.
func waitForShutdown(server *socks5.Server, logger *slog.Logger) {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutting down", logging.KeyComponent, "main", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.StopWithContext(ctx); err != nil {
		logger.Error("shutdown error", logging.KeyComponent, "main", logging.KeyError, err.Error())
	}
}

// zeroCredentialArgs overwrites the -u/-P argument values in os.Args's
// backing memory in place, after RunE has cloned the flag values into
// fresh strings (the values pflag stores point into os.Args). On Linux this is the memory
// /proc/pid/cmdline reads from, so credentials stop appearing in process
// listings; on platforms where the OS doesn't expose argv this way, the
// zeroing is harmless but has no externally visible effect. Mirrors
// microsocks's zero_arg.
func zeroCredentialArgs() {
	for i := 0; i < len(os.Args); i++ {
		arg := os.Args[i]

		if eq := strings.IndexByte(arg, '='); eq >= 0 && isCredentialFlag(arg[:eq]) {
			zeroString(arg[eq+1:])
			continue
		}
		if isCredentialFlag(arg) && i+1 < len(os.Args) {
			zeroString(os.Args[i+1])
			i++
		}
	}
}

func isCredentialFlag(flag string) bool {
	switch flag {
	case "-u", "--user", "-P", "--pass":
		return true
	default:
		return false
	}
}

func zeroString(s string) {
	if len(s) == 0 {
		return
	}
	b := unsafe.Slice(unsafe.StringData(s), len(s))
	for i := range b {
		b[i] = 0
	}
}
