package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"worktab/internal/app"
	"worktab/internal/config"
	"worktab/internal/db"
	"worktab/internal/domain"
	"worktab/internal/engine"
	"worktab/internal/migrate"
	"worktab/internal/payroll"
	"worktab/internal/repo"
	"worktab/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wt",
	Short: "Worktab CLI",
	Long: `Worktab is a work-order ledger for a small team.
A request message carries a quantity (digits, Eastern-Arabic digits or
Arabic number-words); a reply to it marks the order completed; payroll
reports aggregate completed, unpaid orders into per-worker wages.
Permissions form three tiers: worker, admin, owner.`,
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
	viper.SetEnvPrefix("WORKTAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(paidCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(groupCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create worktab.yml and the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
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
			fmt.Printf("Initialized %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Manage the worker registry"}
	w.AddCommand(workerAddCmd())
	w.AddCommand(workerRemoveCmd())
	w.AddCommand(workerListCmd())
	w.AddCommand(workerSetRateCmd())
	w.AddCommand(workerPromoteCmd())
	w.AddCommand(workerDemoteCmd())
	return w
}

func workerAddCmd() *cobra.Command {
	var id, name, rate string
	var roleNames []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register or update a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				parsed, err := payroll.ParseRate(rate)
				if err != nil {
					return err
				}
				w, err := e.AddWorker(ctx, actorID(), id, name, parsed, roleNames)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&rate, "rate", "0", "wage per 100 quantity units")
	cmd.Flags().StringSliceVar(&roleNames, "roles", []string{domain.RoleWorker}, "roles (worker, admin, owner)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func workerRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RemoveWorker(ctx, actorID(), args[0]); err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("worker %s not found", args[0])
					}
					return err
				}
				fmt.Printf("Removed worker %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func workerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				workers, err := e.Repo.ListWorkers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Rate", "Roles"})
				for _, w := range workers {
					tw.AppendRow(table.Row{w.ID, w.Name, w.Rate.String(), strings.Join(w.Roles, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workerSetRateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-rate <id> <rate>",
		Short: "Set a worker's wage rate (per 100 quantity units)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rate, err := payroll.ParseRate(args[1])
				if err != nil {
					return err
				}
				w, err := e.SetRate(ctx, actorID(), args[0], rate)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workerPromoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote <id>",
		Short: "Grant admin to a worker (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Promote(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func workerDemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demote <id>",
		Short: "Revoke admin from a worker (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Demote(ctx, actorID(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	return cmd
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{Use: "order", Short: "Manage orders"}
	o.AddCommand(orderAddCmd())
	o.AddCommand(orderDoneCmd())
	o.AddCommand(orderListCmd())
	return o
}

func orderAddCmd() *cobra.Command {
	var ref, text, sender string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a work request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if ref == "" {
					ref = uuid.NewString()
				}
				o, err := e.CreateOrder(ctx, sender, ref, text)
				var noQty engine.NoQuantityError
				if errors.As(err, &noQty) {
					return fmt.Errorf("no quantity found in %q; order not created, admins alerted", text)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "order reference (defaults to a new uuid)")
	cmd.Flags().StringVar(&text, "text", "", "request text")
	cmd.Flags().StringVar(&sender, "sender", "", "requester user id")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func orderDoneCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "done <ref>",
		Short: "Mark an order completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if worker == "" {
					worker = actorID()
				}
				o, err := e.CompleteOrder(ctx, args[0], worker)
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("order %s not found or already completed", args[0])
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "completing worker id (defaults to --actor-id)")
	return cmd
}

func orderListCmd() *cobra.Command {
	var status, worker string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orders, err := e.Repo.ListOrders(ctx, repo.OrderFilter{Status: status, WorkerID: worker})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ref", "Qty", "Status", "Paid", "Worker", "Completed"})
				for _, o := range orders {
					tw.AppendRow(table.Row{o.Ref, o.Quantity, o.Status, o.Paid, deref(o.WorkerName), deref(o.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, completed)")
	cmd.Flags().StringVar(&worker, "worker", "", "worker id filter")
	return cmd
}

func reportCmd() *cobra.Command {
	var start, end, worker string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Payroll report for a date range (defaults to today)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.Report(ctx, actorID(), start, end, worker)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				if len(rep.Rows) == 0 {
					fmt.Printf("No completed work between %s and %s.\n", rep.Start, rep.End)
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Orders", "Quantity", "Wage"})
				for _, row := range rep.Rows {
					tw.AppendRow(table.Row{row.WorkerName, row.OrderCount, row.TotalQuantity, row.Wage.StringFixed(2)})
				}
				tw.AppendFooter(table.Row{"Total", "", rep.TotalQuantity, rep.TotalWage.StringFixed(2)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&worker, "worker", "", "restrict to one worker id")
	return cmd
}

func paidCmd() *cobra.Command {
	var worker string
	cmd := &cobra.Command{
		Use:   "paid",
		Short: "Archive completed unpaid orders as paid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.MarkPaid(ctx, actorID(), worker)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				fmt.Printf("Archived %d orders (%d quantity units) as paid, scope %s.\n",
					summary.Count, summary.TotalQuantity, summary.Scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "restrict to one worker id")
	return cmd
}

func resetCmd() *cobra.Command {
	var scope string
	var confirm bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard orders (owner only, irreversible)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				removed, err := e.Reset(ctx, actorID(), scope, confirm)
				if errors.Is(err, engine.ErrConfirmRequired) {
					fmt.Printf("This would discard %s orders permanently. Re-run with --confirm to proceed.\n", scope)
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Printf("Discarded %d orders (scope %s).\n", removed, scope)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", engine.ResetUnpaid, "unpaid (keep paid history) or all")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm the irreversible reset")
	return cmd
}

func groupCmd() *cobra.Command {
	g := &cobra.Command{Use: "group", Short: "Transport primary group reference"}
	g.AddCommand(&cobra.Command{
		Use:   "set-ref <value>",
		Short: "Cache the transport's primary group reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetSetting(ctx, repo.PrimaryGroupKey, args[0])
			})
		},
	})
	g.AddCommand(&cobra.Command{
		Use:   "show-ref",
		Short: "Show the cached primary group reference",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				value, err := r.GetSetting(ctx, repo.PrimaryGroupKey)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("(not set)")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Println(value)
				return nil
			})
		},
	})
	return g
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if actor == "" {
					actor = actorID()
				}
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key %s created for %s. Secret (shown once): %s\n", key.ID, actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
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
	l := &cobra.Command{Use: "log", Short: "Audit event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.TailEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, evt := range events {
					fmt.Printf("%s %-20s %s/%s actor=%s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.ActorID, evt.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	l.AddCommand(tail)
	return l
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API for a chat transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine: e,
					Auth: server.AuthConfig{
						JWTSecret:              e.Config.Auth.JWTSecret,
						AllowLegacyActorHeader: e.Config.Auth.AllowLegacyActorHeader,
					},
				})
				if err != nil {
					return err
				}
				stopAlerts := server.StartAlertDispatcher(e)
				defer stopAlerts()
				stopSweep := startStaleSweep(e)
				defer stopSweep()

				srv := &http.Server{Addr: addr, Handler: handler}
				errCh := make(chan error, 1)
				go func() { errCh <- srv.ListenAndServe() }()
				fmt.Printf("Listening on %s\n", addr)

				sig := make(chan os.Signal, 1)
				signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
				select {
				case err := <-errCh:
					return err
				case <-sig:
				}
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

// startStaleSweep flags pending-too-long orders on a timer, outside
// the request path.
func startStaleSweep(e engine.Engine) func() {
	threshold := e.Config.StalePendingAfter()
	interval := threshold / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := e.SweepStalePending(context.Background(), threshold); err != nil {
				fmt.Fprintf(os.Stderr, "stale sweep: %v\n", err)
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	e, conn, err := app.Setup(ctx, workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
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

func actorID() string {
	return viper.GetString("actor-id")
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

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
