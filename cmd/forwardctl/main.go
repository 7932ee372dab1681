// Command forwardctl is a command line client for the ForwardLedger API.
package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const (
	flagAPI        = "api"
	flagAccount    = "account"
	flagTimeout    = "timeout"
	flagIdemKey    = "idempotency-key"
	flagFrom       = "from"
	flagLimit      = "limit"
	flagMaturity   = "maturity"
	flagStrike     = "strike"
	flagLower      = "lower"
	flagUpper      = "upper"
	flagMintFee    = "mint-fee-bps"
	flagSettleFee  = "settle-fee-bps"
	flagRedeemFee  = "redeem-fee-bps"
	flagDeposit    = "deposit"
	flagLong       = "long"
	flagShort      = "short"
	flagPauseMint  = "mint"
	flagPauseSetl  = "settle"
	flagKeepRecent = "keep"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "forwardctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "forwardctl",
		Short:         "Operate bounded forward markets through the ForwardLedger API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	api := os.Getenv("FWD_API")
	if api == "" {
		api = "http://localhost:8080"
	}
	root.PersistentFlags().String(flagAPI, api, "API base URL")
	root.PersistentFlags().String(flagAccount, os.Getenv("FWD_ACCOUNT"), "account id sent as the caller")
	root.PersistentFlags().Duration(flagTimeout, 15*time.Second, "request timeout")
	root.PersistentFlags().String(flagIdemKey, "", "idempotency key for mutating requests (random when empty)")

	markets := &cobra.Command{Use: "markets", Short: "Market queries and operations"}
	markets.AddCommand(
		newMarketsListCmd(),
		newMarketsGetCmd(),
		newMarketsDeployCmd(),
		newMarketsPreviewCmd(),
		newMarketsPauseCmd(),
	)

	admin := &cobra.Command{Use: "admin", Short: "Privileged operations"}
	admin.AddCommand(newAdminPauseCmd(), newAdminSnapshotCmd())

	root.AddCommand(
		markets,
		newPositionCmd(),
		newSettleCmd(),
		newRedeemCmd(),
		newBalanceCmd(),
		newStatsCmd(),
		admin,
	)
	return root
}

func clientFrom(cmd *cobra.Command) *apiClient {
	api, _ := cmd.Flags().GetString(flagAPI)
	account, _ := cmd.Flags().GetString(flagAccount)
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)
	return newAPIClient(api, account, timeout)
}

func idemKey(cmd *cobra.Command) string {
	k, _ := cmd.Flags().GetString(flagIdemKey)
	return k
}

// call runs a request and prints the decoded response.
func call(cmd *cobra.Command, method, path string, query url.Values, body interface{}) error {
	var out interface{}
	if err := clientFrom(cmd).do(cmd.Context(), method, path, query, body, &out, idemKey(cmd)); err != nil {
		return err
	}
	return printJSON(out)
}

func newMarketsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List markets in deployment order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, _ := cmd.Flags().GetUint64(flagFrom)
			limit, _ := cmd.Flags().GetUint64(flagLimit)
			q := url.Values{}
			q.Set("from", strconv.FormatUint(from, 10))
			if limit > 0 {
				q.Set("limit", strconv.FormatUint(limit, 10))
			}
			return call(cmd, http.MethodGet, "/v1/markets", q, nil)
		},
	}
	cmd.Flags().Uint64(flagFrom, 0, "index of the first market")
	cmd.Flags().Uint64(flagLimit, 0, "page size (server default when 0)")
	return cmd
}

func newMarketsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [market]",
		Short: "Show a market by id or key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/v1/markets/"+url.PathEscape(args[0]), nil, nil)
		},
	}
}

func newMarketsDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy [underlying] [quote]",
		Short: "Deploy a market for a pair",
		Long: `Deploy a bounded forward market.

Example:
$ forwardctl markets deploy wrap.near usdc.near --maturity 2026-12-31T00:00:00Z \
    --strike 5000000 --lower 3000000 --upper 7000000 --mint-fee-bps 30 --deposit 5000000000000000000000000 --account alice.near
`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			maturityStr, _ := f.GetString(flagMaturity)
			maturity, err := time.Parse(time.RFC3339, maturityStr)
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", flagMaturity, err)
			}
			strike, _ := f.GetString(flagStrike)
			lower, _ := f.GetString(flagLower)
			upper, _ := f.GetString(flagUpper)
			deposit, _ := f.GetString(flagDeposit)
			mintFee, _ := f.GetUint16(flagMintFee)
			settleFee, _ := f.GetUint16(flagSettleFee)
			redeemFee, _ := f.GetUint16(flagRedeemFee)
			return call(cmd, http.MethodPost, "/v1/markets", nil, map[string]interface{}{
				"underlying":     args[0],
				"quote":          args[1],
				"maturity":       maturity.UTC(),
				"strike_k":       strike,
				"lower_bound_l":  lower,
				"upper_bound_u":  upper,
				"mint_fee_bps":   mintFee,
				"settle_fee_bps": settleFee,
				"redeem_fee_bps": redeemFee,
				"deposit":        deposit,
			})
		},
	}
	cmd.Flags().String(flagMaturity, "", "maturity as RFC 3339")
	cmd.Flags().String(flagStrike, "", "strike in quote base units")
	cmd.Flags().String(flagLower, "", "lower bound in quote base units")
	cmd.Flags().String(flagUpper, "", "upper bound in quote base units")
	cmd.Flags().Uint16(flagMintFee, 0, "mint fee in basis points")
	cmd.Flags().Uint16(flagSettleFee, 0, "settlement fee in basis points")
	cmd.Flags().Uint16(flagRedeemFee, 0, "redeem fee in basis points")
	cmd.Flags().String(flagDeposit, "", "attached storage deposit in native base units")
	for _, name := range []string{flagMaturity, flagStrike, flagLower, flagUpper, flagDeposit} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newMarketsPreviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview [market] [price]",
		Short: "Show per-token values if the market settled at price",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("price", args[1])
			return call(cmd, http.MethodGet, "/v1/markets/"+url.PathEscape(args[0])+"/preview", q, nil)
		},
	}
}

func newMarketsPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause [market]",
		Short: "Set a market's mint and settle pause flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mint, _ := cmd.Flags().GetBool(flagPauseMint)
			settle, _ := cmd.Flags().GetBool(flagPauseSetl)
			return call(cmd, http.MethodPost, "/v1/markets/"+url.PathEscape(args[0])+"/pause", nil, map[string]bool{
				"pause_mint":   mint,
				"pause_settle": settle,
			})
		},
	}
	cmd.Flags().Bool(flagPauseMint, false, "pause minting")
	cmd.Flags().Bool(flagPauseSetl, false, "pause settlement")
	return cmd
}

func newPositionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "position [market] [amount]",
		Short: "Deposit quote collateral and mint a long/short pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/markets/"+url.PathEscape(args[0])+"/positions", nil, map[string]string{
				"amount": args[1],
			})
		},
	}
}

func newSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle [market]",
		Short: "Settle a matured market at the oracle price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodPost, "/v1/markets/"+url.PathEscape(args[0])+"/settle", nil, nil)
		},
	}
}

func newRedeemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redeem [market]",
		Short: "Burn long and short tokens for collateral",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			long, _ := cmd.Flags().GetString(flagLong)
			short, _ := cmd.Flags().GetString(flagShort)
			return call(cmd, http.MethodPost, "/v1/markets/"+url.PathEscape(args[0])+"/redeem", nil, map[string]string{
				"long_amount":  long,
				"short_amount": short,
			})
		},
	}
	cmd.Flags().String(flagLong, "0", "long tokens to burn")
	cmd.Flags().String(flagShort, "0", "short tokens to burn")
	return cmd
}

func newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance [token] [account]",
		Short: "Show an account's balance of a token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, http.MethodGet, "/v1/tokens/"+url.PathEscape(args[0])+"/balances/"+url.PathEscape(args[1]), nil, nil)
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show factory and engine statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, http.MethodGet, "/v1/stats", nil, nil)
		},
	}
}

func newAdminPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause [true|false]",
		Short: "Pause or resume market deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paused, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("invalid paused flag %q: %w", args[0], err)
			}
			return call(cmd, http.MethodPost, "/v1/admin/factory/pause", nil, map[string]bool{"paused": paused})
		},
	}
}

func newAdminSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Take a snapshot now, or list recent ones with --list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, _ := cmd.Flags().GetBool("list")
			if list {
				keep, _ := cmd.Flags().GetInt(flagKeepRecent)
				q := url.Values{}
				if keep > 0 {
					q.Set("limit", strconv.Itoa(keep))
				}
				return call(cmd, http.MethodGet, "/v1/admin/snapshots", q, nil)
			}
			return call(cmd, http.MethodPost, "/v1/admin/snapshots", nil, nil)
		},
	}
	cmd.Flags().Bool("list", false, "list snapshots instead of taking one")
	cmd.Flags().Int(flagKeepRecent, 0, "number of snapshots to list")
	return cmd
}
