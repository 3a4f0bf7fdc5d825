package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/migrate"
	"bidline/internal/relay"
	"bidline/internal/repo"
	"bidline/internal/safety"
	"bidline/internal/server"
	"bidline/internal/sweep"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bidline CLI",
	Long: `Bidline runs a mission marketplace: customers post missions, helpers bid,
one bid wins and the pair settles through an internal points ledger.
Core concepts:
- Workspace: the directory holding bidline.db and bidline.yml.
- Mission: a posted job with an amount range; bidding may have a deadline.
- Bid: a helper's offer; exactly one bid per mission can be awarded.
- Lock: a short advisory hold the customer takes while deciding.
- Interaction: a two-party request on an awarded bid (cancel, reschedule, complete).
- Safety numbers: masked phone numbers leased from a relay while work is live.
- Sweep: the reconciliation loop for locks, timeouts, drift and lease expiry.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BIDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(missionCmd())
	rootCmd.AddCommand(bidCmd())
	rootCmd.AddCommand(interactionCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is bidline.yml: mission types and their bidding windows, reward rates, lock and lease timeouts, and the safety-number relay endpoint.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bidline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func actorCmd() *cobra.Command {
	actor := &cobra.Command{Use: "actor", Short: "Manage actors"}
	actor.AddCommand(actorCreateCmd())
	actor.AddCommand(actorShowCmd())
	return actor
}

func actorCreateCmd() *cobra.Command {
	var opts engine.ActorCreateOptions
	var feeRate int
	var areas []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Name == "" || opts.Mobile == "" {
				return fmt.Errorf("--name and --mobile required")
			}
			if cmd.Flags().Changed("fee-rate") {
				opts.FeeRate = &feeRate
			}
			opts.AreaIDs = areas
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateActor(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "actor id (optional)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Mobile, "mobile", "", "mobile number")
	cmd.Flags().BoolVar(&opts.IsHelper, "helper", false, "register as a helper")
	cmd.Flags().IntVar(&feeRate, "fee-rate", 0, "per-actor fee rate override")
	cmd.Flags().StringVar(&opts.ReferrerID, "referrer-id", "", "referring actor id")
	cmd.Flags().Int64SliceVar(&areas, "area", []int64{}, "service area id (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("mobile")
	return cmd
}

func actorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetActor(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func missionCmd() *cobra.Command {
	mission := &cobra.Command{
		Use:   "mission",
		Short: "Manage missions",
		Long:  "Missions flow draft -> bidding -> awarded -> settled. Request opens bidding, close ends it early, cancel withdraws the posting, assign offers the job to one helper directly.",
	}
	mission.AddCommand(missionCreateCmd())
	mission.AddCommand(missionListCmd())
	mission.AddCommand(missionShowCmd())
	mission.AddCommand(missionRequestCmd())
	mission.AddCommand(missionCloseCmd())
	mission.AddCommand(missionCancelCmd())
	mission.AddCommand(missionAssignCmd())
	mission.AddCommand(missionTimelineCmd())
	return mission
}

func missionCreateCmd() *cobra.Command {
	var opts engine.MissionCreateOptions
	var due string
	var areas []int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Draft a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due must be RFC3339: %w", err)
				}
				opts.DueAt = &t
			}
			opts.CustomerID = viper.GetString("actor-id")
			opts.AreaIDs = areas
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CreateMission(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "mission id (optional)")
	cmd.Flags().StringVar(&opts.TypeCode, "type", "", "mission type (errand, delivery, remote)")
	cmd.Flags().StringVar(&opts.Content, "content", "", "what needs doing")
	cmd.Flags().Int64SliceVar(&areas, "area", []int64{}, "area id (repeatable; multiple areas fan out into sub-jobs)")
	cmd.Flags().Int64Var(&opts.AmountLow, "amount-low", 0, "minimum bid amount")
	cmd.Flags().Int64Var(&opts.AmountHigh, "amount-high", 0, "maximum bid amount")
	cmd.Flags().StringVar(&due, "due", "", "due time (RFC3339)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func missionListCmd() *cobra.Command {
	var customerID, stateFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List missions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Mission
				var err error
				switch {
				case customerID != "":
					items, err = e.Repo.ListMissionsByCustomer(ctx, customerID)
				case stateFilter != "":
					items, err = e.Repo.ListMissionsByState(ctx, domain.State(stateFilter))
				default:
					items, err = e.Repo.ListMissions(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Type", "State", "Customer", "Range", "Due"})
				for _, m := range items {
					tw.AppendRow(table.Row{
						m.ID, m.Code, m.TypeCode, m.SavedState, m.CustomerID,
						fmt.Sprintf("%d-%d", m.AmountLow, m.AmountHigh),
						fmtTimeCol(m.DueAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&customerID, "customer-id", "", "filter by customer")
	cmd.Flags().StringVar(&stateFilter, "state", "", "filter by state")
	return cmd
}

func missionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a mission with its live projection and bids",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.ViewMission(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("Mission %s (%s) [%s]\n", v.Mission.ID, v.Mission.TypeCode, v.State)
				fmt.Printf("  %s\n", v.Mission.Content)
				fmt.Printf("  range %d-%d, customer %s\n", v.Mission.AmountLow, v.Mission.AmountHigh, v.Mission.CustomerID)
				if len(v.Bids) == 0 {
					fmt.Println("  no bids")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Bid", "Helper", "Amount", "State"})
				for _, b := range v.Bids {
					tw.AppendRow(table.Row{b.Bid.ID, b.Bid.HelperID, b.Bid.Amount, b.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func missionActionCmd(use, short string, call func(ctx context.Context, e engine.Engine, id, actorID string) (domain.Mission, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := call(ctx, e, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
}

func missionRequestCmd() *cobra.Command {
	return missionActionCmd("request", "Open bidding", func(ctx context.Context, e engine.Engine, id, actorID string) (domain.Mission, error) {
		return e.RequestMission(ctx, id, actorID)
	})
}

func missionCloseCmd() *cobra.Command {
	return missionActionCmd("close", "Close the bidding window", func(ctx context.Context, e engine.Engine, id, actorID string) (domain.Mission, error) {
		return e.CloseBidding(ctx, id, actorID)
	})
}

func missionCancelCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a mission before award",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.CancelMission(ctx, args[0], detail, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "cancellation detail")
	return cmd
}

func missionAssignCmd() *cobra.Command {
	var helperID string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Offer the mission to one helper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if helperID == "" {
				return fmt.Errorf("--helper-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AssignBid(ctx, args[0], helperID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&helperID, "helper-id", "", "designated helper")
	return cmd
}

func missionTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Mission audit feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Timeline(ctx, "mission", args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func bidCmd() *cobra.Command {
	bid := &cobra.Command{
		Use:   "bid",
		Short: "Manage bids",
		Long:  "Bids are helpers' offers. The customer locks one while deciding, wins it to award, finishes to settle the ledger. Unfinish walks a settlement back.",
	}
	bid.AddCommand(bidSubmitCmd())
	bid.AddCommand(bidListCmd())
	bid.AddCommand(bidActionCmd("lock", "Take the award lock", func(e engine.Engine) bidCall { return e.LockBid }))
	bid.AddCommand(bidActionCmd("unlock", "Release the award lock", func(e engine.Engine) bidCall { return e.UnlockBid }))
	bid.AddCommand(bidActionCmd("win", "Award the mission to this bid", func(e engine.Engine) bidCall { return e.WinBid }))
	bid.AddCommand(bidActionCmd("cancel", "Withdraw the offer", func(e engine.Engine) bidCall { return e.CancelBidding }))
	bid.AddCommand(bidActionCmd("finish", "Settle a completed bid", func(e engine.Engine) bidCall { return e.Finish }))
	bid.AddCommand(bidActionCmd("unfinish", "Walk a settlement back", func(e engine.Engine) bidCall { return e.Unfinish }))
	bid.AddCommand(bidUnassignCmd())
	bid.AddCommand(bidAdminCancelCmd())
	bid.AddCommand(bidTimelineCmd())
	return bid
}

func bidSubmitCmd() *cobra.Command {
	var opts engine.BidSubmitOptions
	var due string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit or refresh an offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if due != "" {
				t, err := time.Parse(time.RFC3339, due)
				if err != nil {
					return fmt.Errorf("--due must be RFC3339: %w", err)
				}
				opts.DueAt = &t
			}
			opts.HelperID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.SubmitBid(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "bid id (optional)")
	cmd.Flags().StringVar(&opts.MissionID, "mission-id", "", "mission to bid on")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "offer amount")
	cmd.Flags().StringVar(&opts.Message, "message", "", "message to the customer")
	cmd.Flags().StringVar(&due, "due", "", "proposed completion time (RFC3339)")
	_ = cmd.MarkFlagRequired("mission-id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func bidListCmd() *cobra.Command {
	var missionID, helperID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bids",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var items []domain.Bid
				var err error
				switch {
				case missionID != "":
					items, err = e.Repo.ListBidsByMission(ctx, missionID)
				case helperID != "":
					items, err = e.Repo.ListBidsByHelper(ctx, helperID)
				default:
					return fmt.Errorf("--mission-id or --helper-id required")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Helper", "Amount", "State"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.MissionID, b.HelperID, b.Amount, b.SavedState})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&missionID, "mission-id", "", "filter by mission")
	cmd.Flags().StringVar(&helperID, "helper-id", "", "filter by helper")
	return cmd
}

type bidCall func(ctx context.Context, bidID, actorID string) (domain.Bid, error)

func bidActionCmd(use, short string, pick func(engine.Engine) bidCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := pick(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func bidUnassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unassign <id>",
		Short: "Withdraw a directed offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Unassign(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func bidAdminCancelCmd() *cobra.Command {
	var detail string
	cmd := &cobra.Command{
		Use:   "admin-cancel <id>",
		Short: "Force-cancel a bid, reversing any settlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.AdminCancel(ctx, args[0], detail, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&detail, "detail", "", "cancellation detail")
	return cmd
}

func bidTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Bid audit feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Timeline(ctx, "bid", args[0])
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	return cmd
}

func interactionCmd() *cobra.Command {
	inter := &cobra.Command{
		Use:   "interaction",
		Short: "Manage two-party requests",
		Long:  "Interactions are requests on an awarded bid (cancel, reschedule, complete) that the counterparty accepts or rejects. Only one may be open at a time.",
	}
	inter.AddCommand(interactionCreateCmd())
	inter.AddCommand(interactionListCmd())
	inter.AddCommand(interactionActionCmd("accept", "Accept the request", func(e engine.Engine) interactionCall { return e.AcceptInteraction }))
	inter.AddCommand(interactionActionCmd("reject", "Reject the request", func(e engine.Engine) interactionCall { return e.RejectInteraction }))
	inter.AddCommand(interactionActionCmd("cancel", "Withdraw the request", func(e engine.Engine) interactionCall { return e.CancelInteraction }))
	return inter
}

func interactionCreateCmd() *cobra.Command {
	var bidID, kind, detail string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a request on a bid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				i, err := e.CreateInteraction(ctx, bidID, domain.InteractionKind(kind), detail, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
	cmd.Flags().StringVar(&bidID, "bid-id", "", "awarded bid")
	cmd.Flags().StringVar(&kind, "kind", "", "request kind (cancel, reschedule, complete)")
	cmd.Flags().StringVar(&detail, "detail", "", "free-form detail")
	_ = cmd.MarkFlagRequired("bid-id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func interactionListCmd() *cobra.Command {
	var bidID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Interaction history for a bid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInteractions(ctx, bidID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&bidID, "bid-id", "", "bid id")
	_ = cmd.MarkFlagRequired("bid-id")
	return cmd
}

type interactionCall func(ctx context.Context, id, actorID string) (domain.Interaction, error)

func interactionActionCmd(use, short string, pick func(engine.Engine) interactionCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				i, err := pick(e)(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(i)
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{Use: "review", Short: "Manage reviews"}
	review.AddCommand(reviewCreateCmd())
	review.AddCommand(reviewListCmd())
	return review
}

func reviewCreateCmd() *cobra.Command {
	var bidID, content string
	var stars []int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Rate a completed bid",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(stars) != 2 {
				return fmt.Errorf("--stars takes exactly two values (work, manner)")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateReview(ctx, engine.ReviewOptions{
					BidID:   bidID,
					Stars:   [2]int{stars[0], stars[1]},
					Content: content,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&bidID, "bid-id", "", "completed bid")
	cmd.Flags().IntSliceVar(&stars, "stars", []int{}, "stars as work,manner (1-5 each)")
	cmd.Flags().StringVar(&content, "content", "", "review text")
	_ = cmd.MarkFlagRequired("bid-id")
	_ = cmd.MarkFlagRequired("stars")
	return cmd
}

func reviewListCmd() *cobra.Command {
	var bidID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Reviews for a bid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReviews(ctx, bidID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&bidID, "bid-id", "", "bid id")
	_ = cmd.MarkFlagRequired("bid-id")
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{
		Use:   "ledger",
		Short: "Points ledger",
		Long:  "The ledger is append-only. Balances are sums over entries; corrections post reversing entries rather than editing history.",
	}
	led.AddCommand(ledgerBalanceCmd())
	led.AddCommand(ledgerEntriesCmd())
	return led
}

func ledgerBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <account>",
		Short: "Account balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				bal, err := e.Ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account": args[0], "balance": bal})
				}
				fmt.Printf("%s: %d\n", args[0], bal)
				return nil
			})
		},
	}
	return cmd
}

func ledgerEntriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entries <account>",
		Short: "Account entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Ledger.Entries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Amount", "Memo", "At"})
				for _, entry := range items {
					tw.AppendRow(table.Row{entry.ID, entry.Amount, entry.Memo, entry.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key (shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := uuid.NewString()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetActor(ctx, actorID); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC(),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": actorID, "key": raw})
				}
				fmt.Printf("API key for %s (store it now, it is not retrievable):\n%s\n", actorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Newest events across all entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListRecentEvents(ctx, n)
				if err != nil {
					return err
				}
				return printEvents(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reconciliation pass",
		Long:  "Releases expired locks, observes bidding timeouts, repairs drifted state columns, restores missing masked-number pairs and expires stale leases.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := sweep.New(e)
				if a, ok := e.Safety.(*safety.Allocator); ok {
					s.Lessor = a
				}
				report := s.Pass(ctx)
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("locks released: %d\n", report.LocksReleased)
				fmt.Printf("timeouts marked: %d\n", report.TimeoutsMarked)
				fmt.Printf("states repaired: %d\n", report.StatesRepaired)
				fmt.Printf("pairs restored: %d\n", report.PairsRestored)
				fmt.Printf("leases expired: %d\n", report.LeasesExpired)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if carrier, cleanup, err := dialRelay(cfg); err != nil {
				fmt.Printf("relay unavailable, masked numbers disabled: %v\n", err)
			} else if carrier != nil {
				defer cleanup()
				e.Safety = safety.New(e.Repo, carrier, cfg.Safety)
			}

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BIDLINE_JWT_SECRET"),
				AllowLegacyActorHeader: os.Getenv("BIDLINE_ALLOW_ACTOR_HEADER") == "1",
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("BIDLINE_JWT_SECRET is required for bearer auth (or set BIDLINE_ALLOW_ACTOR_HEADER=1 for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}

			if !noSweep {
				s := sweep.New(e)
				if a, ok := e.Safety.(*safety.Allocator); ok {
					s.Lessor = a
				}
				go s.Run(cmd.Context())
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bidline API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable the reconciliation loop")
	return cmd
}

func dialRelay(cfg *config.Config) (relay.Carrier, func(), error) {
	if cfg.Safety.RelayHost == "" {
		return nil, nil, nil
	}
	client := relay.NewClient(cfg.Safety.RelayHost, cfg.Safety.RelayPort, cfg.Safety.CompanyID)
	if err := client.Login(); err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
	for _, evt := range events {
		tw.AppendRow(table.Row{evt.TS.Format(time.RFC3339), evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
	}
	tw.Render()
	return nil
}

func fmtTimeCol(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
