package app

import (
	"sort"

	"github.com/spf13/cobra"
)

type accountView struct {
	Address            string   `json:"address"`
	NetworksWithAssets []string `json:"networks_with_assets"`
}

func (s *runtimeState) newAccountsCommand() *cobra.Command {
	root := &cobra.Command{Use: "accounts", Short: "Manage tracked accounts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tracked accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]accountView, 0)
			for _, addr := range s.accounts.List() {
				items = append(items, s.accountView(addr))
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}

	add := &cobra.Command{
		Use:   "add <address>",
		Short: "Start tracking an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := s.accounts.Add(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), s.accountView(addr), nil, nil, false)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <address>",
		Short: "Stop tracking an account and drop its state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := s.accounts.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.controller.RemoveAccount(cmd.Context(), addr)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), map[string]any{"address": addr, "removed": true}, nil, nil, false)
		},
	}

	root.AddCommand(list, add, remove)
	return root
}

func (s *runtimeState) accountView(addr string) accountView {
	withAssets := []string{}
	for key, has := range s.controller.NetworksWithAssets(addr) {
		if has {
			withAssets = append(withAssets, key)
		}
	}
	sort.Strings(withAssets)
	return accountView{Address: addr, NetworksWithAssets: withAssets}
}

type networkInfo struct {
	Name         string   `json:"name"`
	Slug         string   `json:"slug"`
	ChainID      int64    `json:"chain_id"`
	CAIP2        string   `json:"caip2"`
	NativeSymbol string   `json:"native_symbol"`
	RPCURL       string   `json:"rpc_url"`
	Pinned       []string `json:"pinned"`
}

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	root := &cobra.Command{Use: "networks", Short: "Network commands"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List enabled networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := make([]networkInfo, 0)
			for _, n := range s.networks.Networks() {
				pinned := make([]string, 0, len(n.Pinned))
				for _, token := range n.Pinned {
					pinned = append(pinned, token.Symbol)
				}
				items = append(items, networkInfo{
					Name:         n.Name,
					Slug:         n.Slug,
					ChainID:      n.ChainID,
					CAIP2:        n.CAIP2(),
					NativeSymbol: n.NativeSymbol,
					RPCURL:       n.RPCURL,
					Pinned:       pinned,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, nil, false)
		},
	}
	root.AddCommand(list)
	return root
}
