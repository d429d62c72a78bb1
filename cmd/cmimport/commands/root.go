package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/cmimport/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command. Each flag
// defaults to an environment variable.
type globalOptions struct {
	dbPath      string
	ledgerDir   string
	policyPaths []string
	jsonOutput  bool

	logLevel      string
	logFormat     string
	metricsAddr   string
	traceExporter string
	traceEndpoint string

	sshHost         string
	sshPort         int
	sshUser         string
	sshPassword     string
	sshKey          string
	knownHosts      string
	insecureHostKey bool
	jumpHost        string

	nbiURL      string
	nbiUser     string
	nbiPassword string
	nbiInsecure bool
}

var opts = &globalOptions{}

// tel is set up before any command runs.
var tel *telemetry.Telemetry

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cmimport",
		Short: "cmimport - CM import configuration activation workflows",
		Long: `cmimport repeatedly applies and reverts bulk configuration changes on a
network management system through CM import jobs.

A workflow alternates between a modifications change-set and a defaults
change-set, verifies the change count recorded in the job history after
every import, optionally imports undo change-sets after the undo time, and
keeps a recovery ledger so deleted MOs can be recreated.

Submissions go through the cmedit CLI over SSH or the NBI v1/v2 REST API.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			t, err := setupTelemetry(version)
			if err != nil {
				return fmt.Errorf("failed to set up telemetry: %w", err)
			}
			tel = t
			tel.Logger.SetGlobal()
			if err := tel.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}
			cmd.SetContext(tel.WithContext(cmd.Context()))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if tel == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			return tel.Shutdown(ctx)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.dbPath, "db", envOr("CMIMPORT_DB", "cmimport.db"), "workflow state database ($CMIMPORT_DB)")
	pf.StringVar(&opts.ledgerDir, "ledger-dir", envOr("CMIMPORT_LEDGER_DIR", ""), "recovery ledger directory, overrides the workflow recovery_dir ($CMIMPORT_LEDGER_DIR)")
	pf.StringSliceVar(&opts.policyPaths, "policy", envList("CMIMPORT_POLICY"), "policy file or directory, repeatable ($CMIMPORT_POLICY)")
	pf.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	pf.StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level ($LOG_LEVEL)")
	pf.StringVar(&opts.logFormat, "log-format", envOr("CMIMPORT_LOG_FORMAT", "console"), "log format: console or json ($CMIMPORT_LOG_FORMAT)")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", envOr("CMIMPORT_METRICS_ADDR", ""), "serve Prometheus metrics on this address ($CMIMPORT_METRICS_ADDR)")
	pf.StringVar(&opts.traceExporter, "trace-exporter", envOr("CMIMPORT_TRACE_EXPORTER", "none"), "trace exporter: otlp, stdout or none ($CMIMPORT_TRACE_EXPORTER)")
	pf.StringVar(&opts.traceEndpoint, "trace-endpoint", envOr("OTEL_EXPORTER_OTLP_ENDPOINT", ""), "OTLP endpoint ($OTEL_EXPORTER_OTLP_ENDPOINT)")

	pf.StringVar(&opts.sshHost, "ssh-host", envOr("CMIMPORT_SSH_HOST", ""), "scripting host running cmedit ($CMIMPORT_SSH_HOST)")
	pf.IntVar(&opts.sshPort, "ssh-port", envInt("CMIMPORT_SSH_PORT", 22), "scripting host SSH port ($CMIMPORT_SSH_PORT)")
	pf.StringVar(&opts.sshUser, "ssh-user", envOr("CMIMPORT_SSH_USER", os.Getenv("USER")), "SSH user ($CMIMPORT_SSH_USER)")
	pf.StringVar(&opts.sshPassword, "ssh-password", envOr("CMIMPORT_SSH_PASSWORD", ""), "SSH password, key authentication when empty ($CMIMPORT_SSH_PASSWORD)")
	pf.StringVar(&opts.sshKey, "ssh-key", envOr("CMIMPORT_SSH_KEY", ""), "SSH private key ($CMIMPORT_SSH_KEY)")
	pf.StringVar(&opts.knownHosts, "known-hosts", envOr("CMIMPORT_KNOWN_HOSTS", ""), "known_hosts file ($CMIMPORT_KNOWN_HOSTS)")
	pf.BoolVar(&opts.insecureHostKey, "insecure-host-key", false, "accept any SSH host key")
	pf.StringVar(&opts.jumpHost, "jump-host", envOr("CMIMPORT_JUMP_HOST", ""), "SSH bastion in front of the scripting host ($CMIMPORT_JUMP_HOST)")

	pf.StringVar(&opts.nbiURL, "nbi-url", envOr("CMIMPORT_NBI_URL", ""), "management system base URL ($CMIMPORT_NBI_URL)")
	pf.StringVar(&opts.nbiUser, "nbi-user", envOr("CMIMPORT_NBI_USER", ""), "REST user ($CMIMPORT_NBI_USER)")
	pf.StringVar(&opts.nbiPassword, "nbi-password", envOr("CMIMPORT_NBI_PASSWORD", ""), "REST password ($CMIMPORT_NBI_PASSWORD)")
	pf.BoolVar(&opts.nbiInsecure, "nbi-insecure", false, "skip TLS certificate verification")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRecoverCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newLedgerCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

func setupTelemetry(version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = opts.logLevel
	cfg.Logging.Format = opts.logFormat
	cfg.Logging.EnableCaller = opts.logLevel == "debug" || opts.logLevel == "trace"
	cfg.Logging.PollSampling = uint32(envInt("CMIMPORT_LOG_POLL_SAMPLING", 0))
	cfg.Deployment = opts.nbiURL
	if cfg.Deployment == "" {
		cfg.Deployment = opts.sshHost
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = opts.metricsAddr
	}
	if opts.traceExporter != "" && opts.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = opts.traceExporter
		cfg.Tracing.Endpoint = opts.traceEndpoint
	}
	return telemetry.NewTelemetry(cfg)
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("env", key).Str("value", v).Msg("Ignoring non-numeric environment value")
		return def
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}
