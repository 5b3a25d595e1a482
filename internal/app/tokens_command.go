package app

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/network"
	"github.com/ggonzalez94/portfolio-sync/internal/portfolio"
)

type tokenListing struct {
	Custom      []model.CustomToken     `json:"custom"`
	Preferences []model.TokenPreference `json:"preferences"`
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Custom tokens and token visibility"}

	var listNetwork string
	list := &cobra.Command{
		Use:   "list",
		Short: "List custom tokens and token preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			var chainID int64
			if listNetwork != "" {
				n, err := s.networks.Parse(listNetwork)
				if err != nil {
					return err
				}
				chainID = n.ChainID
			}
			listing := tokenListing{Custom: []model.CustomToken{}, Preferences: []model.TokenPreference{}}
			prefs := s.controller.Preferences()
			for _, token := range prefs.CustomTokens() {
				if chainID == 0 || token.ChainID == chainID {
					listing.Custom = append(listing.Custom, token)
				}
			}
			for _, pref := range prefs.TokenPreferences() {
				if chainID == 0 || pref.ChainID == chainID {
					listing.Preferences = append(listing.Preferences, pref)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), listing, nil, nil, false)
		},
	}
	list.Flags().StringVar(&listNetwork, "network", "", "Only show tokens on this network")

	var addFlags mutationFlags
	var standard, symbol string
	var decimals int
	var tokenIDs []string
	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Track a token that discovery does not find on its own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, address, opts, err := s.resolveMutation(args[0], addFlags)
			if err != nil {
				return err
			}
			std := strings.ToUpper(strings.TrimSpace(standard))
			if std != portfolio.StandardERC20 && std != portfolio.StandardERC721 {
				return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported token standard %q", standard))
			}
			token := model.CustomToken{Address: address, ChainID: n.ChainID, Standard: std, Symbol: symbol, Decimals: decimals, TokenIDs: tokenIDs}
			if err := s.controller.AddCustomToken(cmd.Context(), token, opts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), token, nil, nil, false)
		},
	}
	addFlags.register(add)
	add.Flags().StringVar(&standard, "standard", portfolio.StandardERC20, "Token standard (ERC20 or ERC721)")
	add.Flags().StringVar(&symbol, "symbol", "", "Token symbol")
	add.Flags().IntVar(&decimals, "decimals", 0, "Token decimals")
	add.Flags().StringSliceVar(&tokenIDs, "token-ids", nil, "Comma-separated ERC721 token IDs to track")

	var removeFlags mutationFlags
	remove := &cobra.Command{
		Use:   "remove <address>",
		Short: "Stop tracking a custom token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, address, opts, err := s.resolveMutation(args[0], removeFlags)
			if err != nil {
				return err
			}
			if err := s.controller.RemoveCustomToken(cmd.Context(), address, n.ChainID, opts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"address": address, "chain_id": n.ChainID, "removed": true}, nil, nil, false)
		},
	}
	removeFlags.register(remove)

	var resetFlags mutationFlags
	reset := &cobra.Command{
		Use:   "reset <address>",
		Short: "Clear a hide/show preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, address, opts, err := s.resolveMutation(args[0], resetFlags)
			if err != nil {
				return err
			}
			if err := s.controller.RemoveTokenPreference(cmd.Context(), address, n.ChainID, opts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"address": address, "chain_id": n.ChainID, "reset": true}, nil, nil, false)
		},
	}
	resetFlags.register(reset)

	root.AddCommand(list, add, remove, reset,
		s.newVisibilityCommand("hide", "Hide a token from portfolio output", true),
		s.newVisibilityCommand("show", "Show a previously hidden token", false),
	)
	return root
}

func (s *runtimeState) newVisibilityCommand(use, short string, hidden bool) *cobra.Command {
	var flags mutationFlags
	cmd := &cobra.Command{
		Use:   use + " <address>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, address, opts, err := s.resolveMutation(args[0], flags)
			if err != nil {
				return err
			}
			pref := model.TokenPreference{Address: address, ChainID: n.ChainID, IsHidden: hidden}
			if err := s.controller.SetTokenPreference(cmd.Context(), pref, opts); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), pref, nil, nil, false)
		},
	}
	flags.register(cmd)
	return cmd
}

type mutationFlags struct {
	network string
	refresh string
}

func (f *mutationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.network, "network", "", "Network slug or chain id")
	cmd.Flags().StringVar(&f.refresh, "refresh", "", "Account to refresh on that network after the change")
	_ = cmd.MarkFlagRequired("network")
}

func (s *runtimeState) resolveMutation(addressArg string, flags mutationFlags) (network.Network, string, portfolio.MutationOptions, error) {
	n, err := s.networks.Parse(flags.network)
	if err != nil {
		return network.Network{}, "", portfolio.MutationOptions{}, err
	}
	if !common.IsHexAddress(strings.TrimSpace(addressArg)) {
		return network.Network{}, "", portfolio.MutationOptions{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address: %s", addressArg))
	}
	address := common.HexToAddress(strings.TrimSpace(addressArg)).Hex()
	var opts portfolio.MutationOptions
	if flags.refresh != "" {
		account, err := s.resolveAccount(flags.refresh)
		if err != nil {
			return network.Network{}, "", portfolio.MutationOptions{}, err
		}
		opts.RefreshAccount = account
	}
	return n, address, opts, nil
}

type learnedTokenView struct {
	Address  string `json:"address"`
	LastSeen *int64 `json:"last_seen"`
}

type hintsView struct {
	ChainID  int64                          `json:"chain_id"`
	Learned  []learnedTokenView             `json:"learned_tokens"`
	Nfts     map[string][]string            `json:"learned_nfts"`
	External map[string]model.ExternalHints `json:"external"`
}

func (s *runtimeState) newHintsCommand() *cobra.Command {
	root := &cobra.Command{Use: "hints", Short: "Inspect token discovery hints"}
	var networkArg string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print learned tokens and the last external hints per network",
		RunE: func(cmd *cobra.Command, args []string) error {
			networks := s.networks.Networks()
			if networkArg != "" {
				n, err := s.networks.Parse(networkArg)
				if err != nil {
					return err
				}
				networks = []network.Network{n}
			}
			snapshot := s.controller.Hints().Snapshot()
			views := make([]hintsView, 0, len(networks))
			for _, n := range networks {
				views = append(views, buildHintsView(n.ChainID, snapshot))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil, nil, false)
		},
	}
	show.Flags().StringVar(&networkArg, "network", "", "Only show this network")
	root.AddCommand(show)
	return root
}

func buildHintsView(chainID int64, snapshot model.LearnedHints) hintsView {
	view := hintsView{
		ChainID:  chainID,
		Learned:  []learnedTokenView{},
		Nfts:     snapshot.LearnedNfts[chainID],
		External: map[string]model.ExternalHints{},
	}
	for addr, ts := range snapshot.LearnedTokens[chainID] {
		view.Learned = append(view.Learned, learnedTokenView{Address: addr, LastSeen: ts})
	}
	sort.Slice(view.Learned, func(i, j int) bool { return view.Learned[i].Address < view.Learned[j].Address })
	if view.Nfts == nil {
		view.Nfts = map[string][]string{}
	}
	prefix := fmt.Sprintf("%d:", chainID)
	for key, hints := range snapshot.FromExternalAPI {
		if account, ok := strings.CutPrefix(key, prefix); ok {
			view.External[account] = hints
		}
	}
	return view
}

func (s *runtimeState) newBannersCommand() *cobra.Command {
	root := &cobra.Command{Use: "banners", Short: "Relayer banners for an account"}
	list := &cobra.Command{
		Use:   "list <account>",
		Short: "List active banners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := s.resolveAccount(args[0])
			if err != nil {
				return err
			}
			items, err := s.banners.List(cmd.Context(), account)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "load banners", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	dismiss := &cobra.Command{
		Use:   "dismiss <account> <banner-id>",
		Short: "Hide a banner for an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := s.resolveAccount(args[0])
			if err != nil {
				return err
			}
			if err := s.banners.Dismiss(cmd.Context(), account, args[1]); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "dismiss banner", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"id": args[1], "dismissed": true}, nil, nil, false)
		},
	}
	root.AddCommand(list, dismiss)
	return root
}
