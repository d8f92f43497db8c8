package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/unitex/params"
	"github.com/uhyunpark/unitex/pkg/exchange"
	"github.com/uhyunpark/unitex/pkg/storage"
	"github.com/uhyunpark/unitex/pkg/util"
)

type rootFlags struct {
	dbPath   string
	envFile  string
	logLevel string
}

// withAdmin opens the ledger, runs fn and closes the ledger again
func (f *rootFlags) withAdmin(cmd *cobra.Command, fn func(ctx context.Context, admin *exchange.Admin, out io.Writer) error) error {
	cfg := params.LoadFromEnv(f.envFile)
	path := cfg.Ledger.Path
	if f.dbPath != "" {
		path = f.dbPath
	}

	logger, err := util.NewLogger(f.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := storage.NewStore(path)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	defer store.Close()

	return fn(cmd.Context(), exchange.NewAdmin(store, exchange.NewLocks(), logger.Sugar()), cmd.OutOrStdout())
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Administer units, assets and holdings of an exchange ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "ledger directory (default LEDGER_DB_PATH or data/ledger)")
	root.PersistentFlags().StringVar(&flags.envFile, "env", "", ".env file to load")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newAddAssetCmd(flags),
		newRenameAssetCmd(flags),
		newAssetsCmd(flags),
		newAddUnitCmd(flags),
		newUnitsCmd(flags),
		newSetCreditsCmd(flags),
		newSetHoldingCmd(flags),
		newTradesCmd(flags),
	)
	return root
}

func newAddAssetCmd(flags *rootFlags) *cobra.Command {
	var (
		id   int64
		desc string
	)
	cmd := &cobra.Command{
		Use:   "add-asset",
		Short: "Register a new asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				a, err := admin.AddAsset(ctx, id, desc)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "asset %d %q added\n", a.ID, a.Description)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "asset id")
	cmd.Flags().StringVar(&desc, "desc", "", "unique description")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("desc")
	return cmd
}

func newRenameAssetCmd(flags *rootFlags) *cobra.Command {
	var (
		id   int64
		desc string
	)
	cmd := &cobra.Command{
		Use:   "rename-asset",
		Short: "Change an asset's description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				if err := admin.RenameAsset(ctx, id, desc); err != nil {
					return err
				}
				fmt.Fprintf(out, "asset %d renamed to %q\n", id, desc)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "asset id")
	cmd.Flags().StringVar(&desc, "desc", "", "new description")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("desc")
	return cmd
}

func newAssetsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "assets",
		Short: "List registered assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				assets, err := admin.ListAssets(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tDESCRIPTION")
				for _, a := range assets {
					fmt.Fprintf(tw, "%d\t%s\n", a.ID, a.Description)
				}
				return tw.Flush()
			})
		},
	}
}

func newAddUnitCmd(flags *rootFlags) *cobra.Command {
	var (
		name    string
		credits int64
	)
	cmd := &cobra.Command{
		Use:   "add-unit",
		Short: "Create a unit with starting credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				u, err := admin.AddUnit(ctx, name, credits)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "unit %s added with %d credits\n", u.Name, u.Credits)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "unit name (letters only)")
	cmd.Flags().Int64Var(&credits, "credits", 0, "starting credits")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newUnitsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List units with credits and holdings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				units, err := admin.ListUnits(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "UNIT\tCREDITS\tHOLDINGS")
				for _, u := range units {
					ids := make([]int64, 0, len(u.Holdings))
					for id := range u.Holdings {
						ids = append(ids, id)
					}
					sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
					holdings := ""
					for _, id := range ids {
						holdings += fmt.Sprintf("%d:%d ", id, u.Holdings[id])
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", u.Name, u.Credits, holdings)
				}
				return tw.Flush()
			})
		},
	}
}

func newSetCreditsCmd(flags *rootFlags) *cobra.Command {
	var (
		unit    string
		credits int64
	)
	cmd := &cobra.Command{
		Use:   "set-credits",
		Short: "Set a unit's credit balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				if err := admin.SetCredits(ctx, unit, credits); err != nil {
					return err
				}
				fmt.Fprintf(out, "unit %s credits set to %d\n", unit, credits)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit name")
	cmd.Flags().Int64Var(&credits, "credits", 0, "new balance")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("credits")
	return cmd
}

func newSetHoldingCmd(flags *rootFlags) *cobra.Command {
	var (
		unit    string
		assetID int64
		qty     int64
	)
	cmd := &cobra.Command{
		Use:   "set-holding",
		Short: "Set a unit's quantity of an asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				if err := admin.SetHolding(ctx, unit, assetID, qty); err != nil {
					return err
				}
				fmt.Fprintf(out, "unit %s holds %d of asset %d\n", unit, qty, assetID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "unit name")
	cmd.Flags().Int64Var(&assetID, "asset", 0, "asset id")
	cmd.Flags().Int64Var(&qty, "qty", 0, "new quantity")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("asset")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func newTradesCmd(flags *rootFlags) *cobra.Command {
	var (
		assetID int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show the most recent trades of an asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withAdmin(cmd, func(ctx context.Context, admin *exchange.Admin, out io.Writer) error {
				trades, err := admin.Trades(ctx, assetID, limit)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TRADE\tBUYER\tSELLER\tQTY\tPRICE\tEXECUTED")
				for _, t := range trades {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n", t.ID, t.Buyer, t.Seller, t.Quantity, t.Price, t.ExecutedAt.Format("2006-01-02 15:04:05"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&assetID, "asset", 0, "asset id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of trades")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}
