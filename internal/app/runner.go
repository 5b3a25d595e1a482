package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/portfolio-sync/internal/accounts"
	"github.com/ggonzalez94/portfolio-sync/internal/banner"
	"github.com/ggonzalez94/portfolio-sync/internal/config"
	"github.com/ggonzalez94/portfolio-sync/internal/discovery"
	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/httpx"
	"github.com/ggonzalez94/portfolio-sync/internal/logging"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
	"github.com/ggonzalez94/portfolio-sync/internal/out"
	"github.com/ggonzalez94/portfolio-sync/internal/policy"
	"github.com/ggonzalez94/portfolio-sync/internal/portfolio"
	"github.com/ggonzalez94/portfolio-sync/internal/prices"
	"github.com/ggonzalez94/portfolio-sync/internal/relayer"
	"github.com/ggonzalez94/portfolio-sync/internal/schema"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
	"github.com/ggonzalez94/portfolio-sync/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner       *Runner
	flags        config.GlobalFlags
	settings     config.Settings
	root         *cobra.Command
	lastCommand  string
	lastWarnings []string
	lastNetworks []model.NetworkStatus
	lastPartial  bool

	logger     *zap.Logger
	store      *storage.SQLite
	networks   *network.Registry
	pool       *network.ClientPool
	accounts   *accounts.Registry
	banners    *banner.Store
	controller *portfolio.Controller
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err, state.lastWarnings, state.lastNetworks, state.lastPartial)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Multi-network portfolio state for EVM accounts",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			logger, err := logging.New(settings.LogLevel, s.runner.stderr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = logger

			switch serviceLevel(path) {
			case needsNetworks:
				return s.openNetworks()
			case needsState:
				return s.openServices(cmd.Context())
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted for nested)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.Strict, "strict", false, "Fail when any network refresh fails")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Request timeout for RPC and HTTP calls")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&s.flags.Networks, "networks", "", "Enabled networks (comma-separated slugs or chain ids)")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newAccountsCommand())
	cmd.AddCommand(s.newNetworksCommand())
	cmd.AddCommand(s.newUpdateCommand())
	cmd.AddCommand(s.newWatchCommand())
	cmd.AddCommand(s.newTokensCommand())
	cmd.AddCommand(s.newHintsCommand())
	cmd.AddCommand(s.newBannersCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, nil, false)
		},
	}
}

type serviceNeed int

const (
	needsNothing serviceNeed = iota
	needsNetworks
	needsState
)

func serviceLevel(commandPath string) serviceNeed {
	switch normalizeCommandPath(commandPath) {
	case "", "version", "schema":
		return needsNothing
	case "networks", "networks list":
		return needsNetworks
	default:
		return needsState
	}
}

func (s *runtimeState) openNetworks() error {
	if s.networks != nil {
		return nil
	}
	base := network.NewRegistry(nil, nil)
	enabled, err := base.ParseList(s.settings.Networks)
	if err != nil {
		return err
	}
	overrides := map[int64]string{}
	for key, url := range s.settings.RPC {
		n, err := base.Parse(key)
		if err != nil {
			return clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("rpc override %q", key), err)
		}
		overrides[n.ChainID] = url
	}
	s.networks = network.NewRegistry(enabled, overrides)
	return nil
}

func (s *runtimeState) openServices(ctx context.Context) error {
	if s.controller != nil {
		return nil
	}
	if err := s.openNetworks(); err != nil {
		return err
	}
	settings := s.settings

	store, err := storage.Open(settings.StorePath, settings.StoreLockPath)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "open state store", err)
	}
	s.store = store

	registry, err := accounts.NewRegistry(settings.Accounts, store)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "configured accounts", err)
	}
	if err := registry.Load(ctx); err != nil {
		return err
	}
	s.accounts = registry

	s.pool = network.NewClientPool(settings.Timeout, s.logger.Named("rpc"))
	var hintsAPI *discovery.HintsAPI
	if settings.HintsURL != "" {
		client := httpx.New(settings.Timeout, settings.Retries).WithRateLimit(settings.RateLimit, settings.RateBurst)
		hintsAPI = discovery.NewHintsAPI(settings.HintsURL, client)
	}
	engine := discovery.NewEngine(s.pool, hintsAPI, settings.Timeout, s.logger.Named("discovery"))
	if settings.PricesURL != "" {
		priceClient := prices.New(httpx.New(settings.Timeout, settings.Retries), settings.PricesURL).WithCacheTTL(settings.PriceRecency)
		engine.WithPrices(priceClient)
	}

	s.banners = banner.NewStore(store, s.runner.now)
	deps := portfolio.Deps{
		Accounts:  registry,
		Networks:  s.networks,
		Discovery: engine,
		Banners:   s.banners,
		Storage:   store,
		Logger:    s.logger.Named("controller"),
		Now:       s.runner.now,
	}
	if settings.RelayerURL != "" {
		client := httpx.New(settings.Timeout, settings.Retries).WithRateLimit(settings.RateLimit, settings.RateBurst)
		deps.Additional = relayer.New(settings.RelayerURL, client, s.logger.Named("relayer"))
	}
	s.controller = portfolio.New(deps, portfolio.Config{
		LatestMaxAge:  settings.LatestMaxAge,
		GasTankMaxAge: settings.GasTankMaxAge,
		RewardsMaxAge: settings.RewardsMaxAge,
		PriceRecency:  settings.PriceRecency,
	})
	s.controller.Init(ctx)
	return nil
}

func (s *runtimeState) close() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func (s *runtimeState) envelope(commandPath string, warnings []string, networks []model.NetworkStatus, partial bool) model.Envelope {
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Networks:  networks,
			Partial:   partial,
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, networks []model.NetworkStatus, partial bool) error {
	env := s.envelope(commandPath, warnings, networks, partial)
	env.Success = true
	env.Data = data
	return out.Render(s.runner.stdout, env, s.settings)
}

var errorTypes = map[clierr.Code]string{
	clierr.CodeUsage:          "usage_error",
	clierr.CodeUnknownAccount: "unknown_account",
	clierr.CodeAuth:           "auth_error",
	clierr.CodeRateLimited:    "rate_limited",
	clierr.CodeUnavailable:    "upstream_unavailable",
	clierr.CodeUnsupported:    "unsupported",
	clierr.CodePartialStrict:  "partial_results",
	clierr.CodeBlocked:        "command_blocked",
}

// renderError writes the failure envelope to stderr. Selection and
// results-only never apply to errors.
func (s *runtimeState) renderError(commandPath string, err error, warnings []string, networks []model.NetworkStatus, partial bool) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
	}
	if commandPath == "" {
		commandPath = version.CLIName
	}
	body := &model.ErrorBody{Code: clierr.ExitCode(err), Type: "internal_error", Message: err.Error()}
	if typ, ok := errorTypes[clierr.CodeOf(err)]; ok {
		body.Type = typ
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := s.envelope(commandPath, warnings, networks, partial)
	env.Data = []any{}
	env.Error = body
	_ = out.Render(s.runner.stderr, env, settings)
}

// resolveAccount normalizes input and checks that the account is tracked.
func (s *runtimeState) resolveAccount(input string) (string, error) {
	account, err := accounts.Normalize(input)
	if err != nil {
		return "", err
	}
	if !s.accounts.Has(account) {
		return "", clierr.New(clierr.CodeUnknownAccount, fmt.Sprintf("unknown account %s", account))
	}
	return account, nil
}

func newRequestID() string {
	return uuid.NewString()
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

// cobraUsageHints are fragments of cobra's argument and flag errors.
var cobraUsageHints = []string{
	"unknown command",
	"unknown flag",
	"unknown shorthand flag",
	"required flag(s)",
	"flag needs an argument",
	"requires at least",
	"requires exactly",
	"accepts ",
	"invalid argument",
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range cobraUsageHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.captureCommandDiagnostics(nil, nil, false)
}

// captureCommandDiagnostics keeps refresh status around so a later failure
// (strict mode) can still report per-network outcomes.
func (s *runtimeState) captureCommandDiagnostics(warnings []string, networks []model.NetworkStatus, partial bool) {
	s.lastWarnings = nil
	if len(warnings) > 0 {
		s.lastWarnings = slices.Clone(warnings)
	}
	s.lastNetworks = nil
	if len(networks) > 0 {
		s.lastNetworks = slices.Clone(networks)
	}
	s.lastPartial = partial
}
