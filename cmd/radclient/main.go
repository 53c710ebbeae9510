package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/radclient/pkg/codec"
	"github.com/codelaboratoryltd/radclient/pkg/dispatcher"
	"github.com/codelaboratoryltd/radclient/pkg/engine"
	"github.com/codelaboratoryltd/radclient/pkg/loader"
	"github.com/codelaboratoryltd/radclient/pkg/metrics"
	"github.com/codelaboratoryltd/radclient/pkg/retry"
)

var (
	version = "dev"
	commit  = "unknown"
)

// errRequestsFailed exits non-zero without printing an error line.
var errRequestsFailed = errors.New("one or more requests were lost or failed filtering")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errRequestsFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

type options struct {
	files         []string
	count         int
	retries       int
	timeout       time.Duration
	mrt           time.Duration
	mrd           time.Duration
	proto         string
	source        string
	ipv4          bool
	ipv6          bool
	summary       bool
	secretFile    string
	printFilename bool
	debug         int
	logLevel      string
	configFile    string
	metricsFile   string
	tos           int
}

// level returns the effective log level. -x forces debug and -F needs at
// least info for the reply lines.
func (o *options) level() string {
	switch {
	case o.debug > 0:
		return "debug"
	case o.printFilename && (o.logLevel == "warn" || o.logLevel == "error"):
		return "info"
	default:
		return o.logLevel
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	def := retry.DefaultPolicy()

	rootCmd := &cobra.Command{
		Use:   "radclient [flags] server[:port] <command> [secret]",
		Short: "Send RADIUS requests and check the replies",
		Long: `radclient - RADIUS protocol exerciser

Reads request descriptions (Attribute = value pairs, one record per
blank-line separated block), sends them to a RADIUS server over a single
socket, correlates the replies and optionally checks them against
expected-reply filters.

<command> is one of auth, acct, status, coa, disconnect, auto, a packet
type name or a number.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd, args, opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringArrayVarP(&opts.files, "file", "f", nil,
		"Read packets from file[:filters], not stdin (repeatable)")
	flags.IntVarP(&opts.count, "count", "c", 1,
		"Send each packet 'count' times")
	flags.IntVarP(&opts.retries, "retries", "r", def.MaxCount,
		"Maximum transmissions of a packet before it is lost")
	flags.DurationVarP(&opts.timeout, "timeout", "t", def.Initial,
		"Initial retransmission timeout")
	flags.DurationVar(&opts.mrt, "mrt", def.MaxInterval,
		"Maximum retransmission timeout")
	flags.DurationVar(&opts.mrd, "mrd", def.MaxDuration,
		"Maximum total time spent on one packet")
	flags.StringVarP(&opts.proto, "proto", "P", "udp",
		"Transport protocol (udp or tcp)")
	flags.StringVarP(&opts.source, "client", "C", "",
		"Client source [ip:]port")
	flags.BoolVarP(&opts.ipv4, "ipv4", "4", false,
		"Use IPv4 address of server")
	flags.BoolVarP(&opts.ipv6, "ipv6", "6", false,
		"Use IPv6 address of server")
	flags.BoolVarP(&opts.summary, "summary", "s", false,
		"Print summary information of the results")
	flags.StringVarP(&opts.secretFile, "secret-file", "S", "",
		"Read secret from file, not command line")
	flags.BoolVarP(&opts.printFilename, "print-filename", "F", false,
		"Print the file name with every reply code")
	flags.CountVarP(&opts.debug, "debug", "x",
		"Debugging mode (forces debug log level)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "warn",
		"Log level (debug, info, warn, error)")
	flags.StringVar(&opts.configFile, "config", "",
		"YAML file of flag defaults")
	flags.StringVar(&opts.metricsFile, "metrics-file", "",
		"Write Prometheus metrics to this textfile on exit")
	flags.IntVar(&opts.tos, "tos", -1,
		"IPv4 TOS / IPv6 traffic class for sent packets")

	rootCmd.MarkFlagsMutuallyExclusive("ipv4", "ipv6")
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "radclient version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
	},
}

func runClient(cmd *cobra.Command, args []string, opts *options) error {
	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if opts.configFile != "" {
		if err := loadConfigFile(cmd, opts.configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	logger, err := initLogger(opts.level(), cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	runID := uuid.New()
	logger = logger.With(zap.String("run_id", runID.String()))

	code, err := codec.ParseCode(args[1])
	if err != nil {
		return err
	}

	host, port, err := splitServer(args[0])
	if err != nil {
		return err
	}
	if code == 0 {
		code = codec.CodeForPort(port)
	}
	if port == 0 {
		port = codec.DefaultPort(code)
	}
	if port == 0 {
		return fmt.Errorf("can't determine destination port for %q: give a port or a packet type", args[0])
	}

	var direct string
	if len(args) > 2 {
		direct = args[2]
	}
	secret, err := resolveSecret(direct, opts.secretFile, logger)
	if err != nil {
		return err
	}

	table := retry.NewTable(retry.Policy{
		Initial:     opts.timeout,
		MaxInterval: opts.mrt,
		MaxDuration: opts.mrd,
		MaxCount:    opts.retries,
	})
	if err := table.Validate(); err != nil {
		return err
	}
	if opts.count < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	ld := loader.New(loader.Options{Code: code, Port: port}, logger)
	requests, err := loadRequests(ld, opts.files, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("nothing to send")
	}

	logger.Info("Starting radclient",
		zap.String("version", version),
		zap.String("server", args[0]),
		zap.String("code", codec.CodeName(code)),
		zap.Int("requests", len(requests)),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCfg := codec.DefaultConnConfig(net.JoinHostPort(host, strconv.Itoa(port)))
	connCfg.Network = opts.proto
	connCfg.Source = opts.source
	connCfg.TOS = opts.tos
	switch {
	case opts.ipv4:
		connCfg.IPVersion = 4
	case opts.ipv6:
		connCfg.IPVersion = 6
	}

	conn, err := codec.Dial(ctx, connCfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	m := metrics.New(nil, logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Secret:        []byte(secret),
		Retry:         table,
		ResendCount:   opts.count,
		PrintFilename: opts.printFilename,
		FirstID:       runID[0],
		Stream:        connCfg.Network == "tcp",
		AttributeName: ld.Dictionary().Name,
	}, conn, logger, engine.WithRecorder(m))
	if err != nil {
		return err
	}
	m.SetSource(eng)

	d := dispatcher.New(eng, conn, logger)
	eng.SetInterest(d)
	for _, req := range requests {
		eng.Enqueue(req)
	}

	if err := run(ctx, conn, d); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("interrupted with %d requests in flight", eng.Outstanding())
		}
		return err
	}

	stats := eng.Stats()
	if opts.summary {
		if err := stats.WriteSummary(cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
	if opts.metricsFile != "" {
		if err := m.WriteToTextfile(opts.metricsFile); err != nil {
			logger.Error("Failed to write metrics", zap.String("path", opts.metricsFile), zap.Error(err))
		}
	}

	if !stats.Success() {
		return errRequestsFailed
	}
	return nil
}

// run supervises the socket reader and the event loop. The loop finishing
// stops the reader.
func run(ctx context.Context, conn *codec.Conn, d *dispatcher.Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return conn.Serve(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return d.Run(gctx)
	})
	return g.Wait()
}

func loadRequests(ld *loader.Loader, files []string, stdin io.Reader) ([]*engine.Request, error) {
	if len(files) == 0 {
		files = []string{"-"}
	}

	var requests []*engine.Request
	for _, f := range files {
		reqs, err := ld.LoadFile(loader.ParseFileSpec(f), stdin)
		if err != nil {
			return nil, fmt.Errorf("failed parsing input files: %w", err)
		}
		requests = append(requests, reqs...)
	}
	return requests, nil
}

// splitServer parses host[:port], with IPv6 literals in brackets. A missing
// port is returned as 0.
func splitServer(s string) (string, int, error) {
	if s == "" || s == "-" {
		return "", 0, fmt.Errorf("server address required")
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or a bare IPv6 literal.
		return strings.Trim(s, "[]"), 0, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func initLogger(level string, w io.Writer) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(config), zapcore.AddSync(w), zapLevel)
	return zap.New(core), nil
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg map[string]any
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			return fmt.Errorf("unknown config key %q", key)
		}
		if cmd.Flags().Changed(key) {
			continue
		}

		values := []any{val}
		if list, ok := val.([]any); ok {
			values = list
		}
		for _, v := range values {
			if err := cmd.Flags().Set(key, fmt.Sprint(v)); err != nil {
				return fmt.Errorf("config key %s: %w", key, err)
			}
		}
	}

	return nil
}

// resolveSecret reads the secret from a file if one is given, falling back
// to the command line argument. When the argument is used a warning is
// logged because it is visible in process listings (ps output).
func resolveSecret(direct, filePath string, logger *zap.Logger) (string, error) {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("error opening %s: %w", filePath, err)
		}
		secret, _, _ := strings.Cut(string(data), "\n")
		secret = strings.TrimRightFunc(secret, func(r rune) bool { return r < ' ' })
		if len(secret) < 2 {
			return "", fmt.Errorf("secret in %s is too short", filePath)
		}
		if direct != "" {
			logger.Warn("Both secret argument and --secret-file set; using file",
				zap.String("file", filePath),
			)
		}
		return secret, nil
	}
	if direct == "" {
		return "", fmt.Errorf("insufficient arguments: shared secret required")
	}
	logger.Debug("Secret given on the command line is visible in process listings; prefer --secret-file")
	return direct, nil
}
