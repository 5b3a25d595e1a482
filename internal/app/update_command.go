package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
	"github.com/ggonzalez94/portfolio-sync/internal/portfolio"
)

type updateFlags struct {
	networks    string
	opsPath     string
	maxAge      string
	force       bool
	pending     bool
	noDiscovery bool
	showHidden  bool
}

func (f *updateFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.networks, "network", "", "Networks to refresh (comma-separated slugs or chain ids, default all)")
	cmd.Flags().StringVar(&f.opsPath, "ops", "", "JSON file with pending account operations to simulate")
	cmd.Flags().StringVar(&f.maxAge, "max-age", "", "Skip networks refreshed more recently than this")
	cmd.Flags().BoolVar(&f.force, "force", false, "Refresh even when data is fresh")
	cmd.Flags().BoolVar(&f.pending, "pending", false, "Print the pending view instead of the latest one")
	cmd.Flags().BoolVar(&f.noDiscovery, "no-discovery", false, "Skip the external hints API and use known tokens only")
	cmd.Flags().BoolVar(&f.showHidden, "show-hidden", false, "Include hidden tokens in the output")
}

type updateRequest struct {
	account    string
	chainIDs   []int64
	sim        *model.Simulation
	opts       portfolio.UpdateOptions
	pending    bool
	showHidden bool
}

func (s *runtimeState) newUpdateCommand() *cobra.Command {
	var flags updateFlags
	cmd := &cobra.Command{
		Use:     "update <account>",
		Short:   "Refresh an account's portfolio and print it",
		Example: "portfolio update 0x5B38Da6a701c568545dCfcB03FcB875f56beddC4 --network ethereum,base --force",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := s.buildUpdateRequest(args[0], flags)
			if err != nil {
				return err
			}
			return s.runUpdate(cmd.Context(), trimRootPath(cmd.CommandPath()), req)
		},
	}
	flags.register(cmd)
	return cmd
}

func (s *runtimeState) newWatchCommand() *cobra.Command {
	var flags updateFlags
	var interval time.Duration
	var count int
	cmd := &cobra.Command{
		Use:   "watch <account>",
		Short: "Refresh an account periodically and print each result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return clierr.New(clierr.CodeUsage, "--interval must be positive")
			}
			req, err := s.buildUpdateRequest(args[0], flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			path := trimRootPath(cmd.CommandPath())
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := 0; count <= 0 || i < count; i++ {
				if i > 0 {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
				}
				if err := s.runUpdate(ctx, path, req); err != nil {
					return err
				}
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between refreshes")
	cmd.Flags().IntVar(&count, "count", 0, "Stop after this many refreshes (0 runs until interrupted)")
	return cmd
}

func (s *runtimeState) buildUpdateRequest(accountArg string, flags updateFlags) (updateRequest, error) {
	account, err := s.resolveAccount(accountArg)
	if err != nil {
		return updateRequest{}, err
	}
	req := updateRequest{
		account:    account,
		pending:    flags.pending,
		showHidden: flags.showHidden,
		opts: portfolio.UpdateOptions{
			ForceUpdate:          flags.force,
			DisableAutoDiscovery: flags.noDiscovery,
		},
	}
	if inputs := splitCSV(flags.networks); len(inputs) > 0 {
		ids, err := s.networks.ParseList(inputs)
		if err != nil {
			return updateRequest{}, err
		}
		req.chainIDs = ids
	}
	if flags.maxAge != "" {
		d, err := time.ParseDuration(flags.maxAge)
		if err != nil {
			return updateRequest{}, clierr.Wrap(clierr.CodeUsage, "parse --max-age", err)
		}
		req.opts.MaxDataAge = d
	}
	if flags.opsPath != "" {
		sim, err := readSimulation(flags.opsPath, account)
		if err != nil {
			return updateRequest{}, err
		}
		req.sim = sim
	}
	return req, nil
}

// readSimulation loads pending operations from a JSON file holding either
// a list of account operations or a full simulation object.
func readSimulation(path, account string) (*model.Simulation, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "read --ops file", err)
	}
	sim := &model.Simulation{AccountOps: map[int64][]model.AccountOp{}}
	trimmed := bytes.TrimSpace(buf)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var ops []model.AccountOp
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --ops file", err)
		}
		for _, op := range ops {
			sim.AccountOps[op.ChainID] = append(sim.AccountOps[op.ChainID], op)
		}
	} else if err := json.Unmarshal(trimmed, sim); err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse --ops file", err)
	}
	for chainID, ops := range sim.AccountOps {
		for _, op := range ops {
			if op.AccountAddr != "" && !strings.EqualFold(op.AccountAddr, account) {
				return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("operation on chain %d belongs to %s, not %s", chainID, op.AccountAddr, account))
			}
		}
	}
	return sim, nil
}

func (s *runtimeState) runUpdate(ctx context.Context, path string, req updateRequest) error {
	if err := s.controller.UpdateAccount(ctx, req.account, req.chainIDs, req.sim, req.opts); err != nil {
		return err
	}
	states := s.controller.Latest(req.account)
	if req.pending {
		states = s.controller.Pending(req.account)
	}
	views, statuses, warnings, partial := s.summarize(states, req.chainIDs, req.showHidden)
	s.captureCommandDiagnostics(warnings, statuses, partial)
	if partial && s.settings.Strict {
		return clierr.New(clierr.CodePartialStrict, "one or more networks failed to refresh")
	}
	return s.emitSuccess(path, views, warnings, statuses, partial)
}

type tokenView struct {
	model.Token
	Formatted string `json:"formatted"`
}

type networkView struct {
	Network       string             `json:"network"`
	ChainID       int64              `json:"chain_id,omitempty"`
	Ready         bool               `json:"ready"`
	Loading       bool               `json:"loading,omitempty"`
	BlockNumber   uint64             `json:"block_number,omitempty"`
	LastUpdate    int64              `json:"last_update,omitempty"`
	Total         map[string]float64 `json:"total,omitempty"`
	Tokens        []tokenView        `json:"tokens"`
	Collections   []model.Collection `json:"collections,omitempty"`
	Errors        []model.ErrorEntry `json:"errors,omitempty"`
	CriticalError *model.ErrorDetail `json:"critical_error,omitempty"`
	PendingOps    int                `json:"pending_ops,omitempty"`
}

type slotRef struct {
	key     string
	label   string
	chainID int64
}

// summarize turns state slots into output rows ordered by chain ID, with
// the off-chain slots last.
func (s *runtimeState) summarize(states map[string]model.NetworkState, chainIDs []int64, showHidden bool) ([]networkView, []model.NetworkStatus, []string, bool) {
	wanted := map[int64]bool{}
	for _, id := range chainIDs {
		wanted[id] = true
	}
	var refs []slotRef
	for _, n := range s.networks.Networks() {
		if len(wanted) > 0 && !wanted[n.ChainID] {
			continue
		}
		refs = append(refs, slotRef{key: n.Key(), label: n.Slug, chainID: n.ChainID})
	}
	refs = append(refs, slotRef{key: model.GasTankKey, label: model.GasTankKey}, slotRef{key: model.RewardsKey, label: model.RewardsKey})

	nowMS := s.runner.now().UnixMilli()
	views := make([]networkView, 0, len(refs))
	var statuses []model.NetworkStatus
	var warnings []string
	partial := false
	for _, ref := range refs {
		state, ok := states[ref.key]
		if !ok {
			continue
		}
		view := networkView{
			Network:       ref.label,
			ChainID:       ref.chainID,
			Ready:         state.IsReady,
			Loading:       state.IsLoading,
			Tokens:        []tokenView{},
			Errors:        state.Errors,
			CriticalError: state.CriticalError,
			PendingOps:    len(state.AccountOps),
		}
		status := model.NetworkStatus{Network: ref.label, Status: "ok"}
		if r := state.Result; r != nil {
			view.BlockNumber = r.BlockNumber
			view.LastUpdate = r.LastSuccessfulUpdate
			view.Total = r.Total
			view.Collections = r.Collections
			for _, token := range r.Tokens {
				if token.Flags.IsHidden && !showHidden {
					continue
				}
				view.Tokens = append(view.Tokens, tokenView{Token: token, Formatted: network.FormatUnits(displayAmount(token), token.Decimals)})
			}
			if r.LastSuccessfulUpdate > 0 {
				status.AgeMS = nowMS - r.LastSuccessfulUpdate
			}
			status.LatencyMS = r.DiscoveryTimeMS
		}
		switch {
		case state.CriticalError != nil:
			status.Status = "error"
			partial = true
			warnings = append(warnings, fmt.Sprintf("%s: %s", ref.label, state.CriticalError.Message))
		case state.IsLoading:
			status.Status = "loading"
		}
		for _, entry := range state.Errors {
			if entry.Level == model.LevelWarning {
				warnings = append(warnings, fmt.Sprintf("%s: %s", ref.label, entry.Message))
			}
		}
		views = append(views, view)
		statuses = append(statuses, status)
	}
	return views, statuses, warnings, partial
}

func displayAmount(token model.Token) string {
	if token.AmountPostSimulation != "" {
		return token.AmountPostSimulation
	}
	return token.Amount
}
