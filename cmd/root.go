// Package cmd wires up the CLI flags and runs a tunnel until it is
// interrupted or its session is lost.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"wtunnel/config"
	ncerr "wtunnel/internal/errors"
	"wtunnel/internal/metrics"
	"wtunnel/internal/retry"
	"wtunnel/tunnel"
	"wtunnel/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X wtunnel/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the tunnel they describe.
func Execute(ctx context.Context, args []string) error {
	cli := config.Default()
	fs := flag.NewFlagSet("wtunnel", flag.ContinueOnError)

	// ── forward ──────────────────────────────────────────────────
	var forward string
	fs.StringVarP(&forward, "local", "L", "", "Local forward [lhost:]lport[:rhost:rport] (0 = ephemeral)")
	fs.StringVar(&cli.LocalHost, "local-host", cli.LocalHost, "Local bind address")
	fs.IntVarP(&cli.RemotePort, "remote-port", "R", 0, "Target port, as seen from the gateway")
	fs.StringVar(&cli.RemoteHost, "remote-host", cli.RemoteHost, "Target host, as seen from the gateway")

	fs.StringVar(&cli.Proxy, "proxy", "", "Reach the gateway through a SOCKS5 proxy")

	// ── credentials ──────────────────────────────────────────────
	fs.StringVarP(&cli.IdentityFile, "identity", "i", "", "SSH private key file")
	fs.BoolVar(&cli.UseAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&cli.PromptPassword, "ssh-password", false, "Prompt for SSH password")

	// ── host keys ────────────────────────────────────────────────
	fs.StringVar(&cli.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")
	fs.StringVar(&cli.HostKeyPolicy, "host-key-policy", cli.HostKeyPolicy, "strict, tofu, pin or insecure")
	fs.StringSliceVar(&cli.Fingerprints, "fingerprint", nil, "Pinned SHA256 host key fingerprint (repeatable)")

	// ── lifecycle ────────────────────────────────────────────────
	fs.DurationVar(&cli.Drain, "drain", cli.Drain, "How long stop waits for active connections")
	fs.DurationVar(&cli.KeepAlive, "keepalive", cli.KeepAlive, "Keepalive interval (0 disables)")
	fs.DurationVarP(&cli.Timeout, "timeout", "w", cli.Timeout, "Connect and handshake timeout")
	fs.IntVar(&cli.Retries, "retries", cli.Retries, "Extra start attempts on connectivity errors")

	// ── sources ──────────────────────────────────────────────────
	fs.StringVar(&cli.SecretsPath, "secrets", "", "Secrets file (default ~/"+config.DefaultSecretsFile+")")
	fs.StringVarP(&cli.Profile, "profile", "P", "", "Secrets file profile to load")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cli.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cli.Metrics, "metrics", false, "Print connection metrics as JSON on exit")

	var showVersion, showHelp, dryRun bool
	fs.BoolVar(&dryRun, "dry-run", false, "Validate configuration and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("wtunnel %s\n", version)
		return nil
	}

	cfg, err := resolve(fs, cli, forward)
	if err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	tcfg, err := cfg.TunnelConfig()
	if err != nil {
		return err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return err
	}
	if dryRun {
		fmt.Printf("%s (drain %v, retries %d)\n", tcfg, cfg.Drain, cfg.Retries)
		return nil
	}

	opts := []tunnel.Option{}
	if dialer != nil {
		opts = append(opts, tunnel.WithDialer(dialer))
	}
	return run(ctx, cfg, tcfg, util.NewLogger(cfg.Verbose+1), opts...)
}

// resolve layers the configuration sources: defaults, the secrets
// profile, WTUNNEL_* env vars, then flags and the positional gateway.
func resolve(fs *flag.FlagSet, cli *config.Config, forward string) (*config.Config, error) {
	cfg := config.Default()

	// The env may name the profile; flags may override that choice.
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	overlay(fs, cfg, cli, "secrets", "profile")
	if err := config.LoadProfile(cfg); err != nil {
		return nil, err
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	overlay(fs, cfg, cli)

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		user, host, port, err := config.ParseTunnelSpec(rest[0])
		if err != nil {
			return nil, err
		}
		if user != "" {
			cfg.User = user
		}
		cfg.Host = host
		cfg.Port = port
	default:
		return nil, fmt.Errorf("too many arguments: expected a single [user@]host[:port]")
	}

	if forward != "" {
		f, err := config.ParseForwardSpec(forward)
		if err != nil {
			return nil, err
		}
		f.Apply(cfg)
	}

	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	return cfg, nil
}

// overlay copies the flags that were set on the command line from cli
// onto cfg.  With names given, only those flags are considered.
func overlay(fs *flag.FlagSet, cfg, cli *config.Config, names ...string) {
	want := func(name string) bool {
		if len(names) == 0 {
			return true
		}
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}

	fs.Visit(func(f *flag.Flag) {
		if !want(f.Name) {
			return
		}
		switch f.Name {
		case "local-host":
			cfg.LocalHost = cli.LocalHost
		case "remote-port":
			cfg.RemotePort = cli.RemotePort
		case "remote-host":
			cfg.RemoteHost = cli.RemoteHost
		case "proxy":
			cfg.Proxy = cli.Proxy
		case "identity":
			cfg.IdentityFile = cli.IdentityFile
		case "ssh-agent":
			cfg.UseAgent = cli.UseAgent
		case "ssh-password":
			cfg.PromptPassword = cli.PromptPassword
		case "known-hosts":
			cfg.KnownHostsPath = cli.KnownHostsPath
		case "host-key-policy":
			cfg.HostKeyPolicy = cli.HostKeyPolicy
		case "fingerprint":
			cfg.Fingerprints = cli.Fingerprints
		case "drain":
			cfg.Drain = cli.Drain
		case "keepalive":
			cfg.KeepAlive = cli.KeepAlive
		case "timeout":
			cfg.Timeout = cli.Timeout
		case "retries":
			cfg.Retries = cli.Retries
		case "secrets":
			cfg.SecretsPath = cli.SecretsPath
		case "profile":
			cfg.Profile = cli.Profile
		case "verbose":
			cfg.Verbose = cli.Verbose
		case "metrics":
			cfg.Metrics = cli.Metrics
		}
	})
}

// run starts the tunnel and blocks until ctx is cancelled or the
// tunnel stops on its own, then stops it with the drain deadline.
func run(ctx context.Context, cfg *config.Config, tcfg tunnel.Config, logger *util.Logger, opts ...tunnel.Option) error {
	collector := metrics.New()
	if !util.IsLoopback(tcfg.LocalHost) {
		logger.Warn("listening on %s: the forward is reachable from other hosts", tcfg.LocalHost)
	}

	b := retry.Attempts(cfg.Retries+1, ncerr.IsRetryable)
	b.OnRetry = func(attempt int, wait time.Duration, err error) {
		logger.Warn("attempt %d failed: %v (retrying in %v)", attempt, err, wait.Round(time.Millisecond))
	}

	opts = append(opts,
		tunnel.WithObserver(tunnel.NewLogObserver(logger)),
		tunnel.WithMetrics(collector))
	t, err := tunnel.StartTunnelRetry(ctx, tcfg, b, opts...)
	if err != nil {
		return err
	}
	logger.Info("forwarding %s -> %s via %s", t.Addr(), tcfg.RemoteAddr(), tcfg.SSHAddr())

	var lost bool
	select {
	case <-ctx.Done():
		logger.Info("interrupted, draining for up to %v", cfg.Drain)
	case <-t.Done():
		lost = true
	}

	err = tunnel.StopTunnel(t, cfg.Drain)
	if cfg.Metrics || logger.Level() >= util.LogDebug {
		fmt.Fprintln(os.Stderr, collector.JSON())
	}
	if err != nil {
		return err
	}
	if lost {
		return fmt.Errorf("tunnel stopped: %w", ncerr.ErrSessionLost)
	}
	return nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `wtunnel - SSH local port forwarding v%s

Forwards connections accepted on a local port through an SSH gateway
to a target reachable from that gateway.

Usage:
  wtunnel [options] [user@]gateway[:port]
  wtunnel --profile <name> [options]

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  wtunnel -L 8090 -R 8091 wallet@10.0.0.7                 localhost:8090 -> gateway's 127.0.0.1:8091
  wtunnel -L 5432:db.internal:5432 -i ~/.ssh/id_ops ops@bastion
  wtunnel --profile Daedalus -L 8090                      Use ~/.theseus.secrets
  wtunnel --host-key-policy=tofu -L 0 -R 80 admin@gw:2222
`)
}
