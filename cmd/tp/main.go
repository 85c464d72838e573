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

	"teampulse/internal/app"
	"teampulse/internal/config"
	"teampulse/internal/db"
	"teampulse/internal/domain"
	"teampulse/internal/engine"
	"teampulse/internal/events"
	"teampulse/internal/repo"
	"teampulse/internal/resolver"
	"teampulse/internal/server"
	"teampulse/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "tp",
	Short: "Teampulse CLI",
	Long: `Teampulse tracks blockers against a team's work items and makes sure
someone hears about them.
- Workspace: the .teampulse directory holding the database; teampulse.yml
  next to it holds the team config.
- Work items: the team's key results, spread across one or more shards
  of the planning tool. References are matched exactly, never fuzzily.
- Blockers: reported impediments; they escalate immediately, can be
  claimed by a helper, and resolve back into an unblocked work item.
- Follow-ups: 'tp tick' nudges reporters whose blockers sat too long,
  at most once per blocker.
- Event log: the audit diary, view with 'tp log tail'.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TEAMPULSE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-name", "", "actor display name")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(blockerCmd())
	rootCmd.AddCommand(krCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func actorID() string   { return viper.GetString("actor-id") }
func actorName() string { return viper.GetString("actor-name") }

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func initCmd() *cobra.Command {
	var teamID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if teamID == "" {
				return fmt.Errorf("--team required")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(teamID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&teamID, "team", "", "team identifier")
	return cmd
}

func blockerCmd() *cobra.Command {
	b := &cobra.Command{Use: "blocker", Short: "Report and manage blockers"}
	b.AddCommand(blockerReportCmd())
	b.AddCommand(blockerClaimCmd())
	b.AddCommand(blockerResolveCmd())
	b.AddCommand(blockerReescalateCmd())
	b.AddCommand(blockerListCmd())
	b.AddCommand(blockerShowCmd())
	return b
}

func blockerReportCmd() *cobra.Command {
	var workItem, description, urgency, notes string
	var sprint int
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report a blocker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				in := engine.ReportInput{
					ReporterID:   actorID(),
					ReporterName: actorName(),
					WorkItemRef:  workItem,
					Description:  description,
					Urgency:      domain.Urgency(urgency),
					Notes:        notes,
				}
				if cmd.Flags().Changed("sprint") {
					in.Sprint = &sprint
				}
				res, err := a.Engine.Report(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Blocker %s recorded, escalated to %s.\n", res.Blocker.ID, res.Receipt.Destination)
				if !res.Resolution.Found {
					fmt.Printf("No work item matched %q.\n", workItem)
					if res.DidYouMean != nil {
						fmt.Printf("Did you mean %q? (score %.2f)\n", res.DidYouMean.Name, res.DidYouMean.Score)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workItem, "work-item", "", "work item reference")
	cmd.Flags().StringVar(&description, "description", "", "what is blocking you")
	cmd.Flags().StringVar(&urgency, "urgency", "medium", "low|medium|high|critical")
	cmd.Flags().StringVar(&notes, "notes", "", "additional context")
	cmd.Flags().IntVar(&sprint, "sprint", 0, "sprint number")
	return cmd
}

func blockerClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <blocker-id>",
		Short: "Claim a blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.Claim(ctx, engine.ClaimInput{
					BlockerID: args[0],
					ActorID:   actorID(),
					ActorName: actorName(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("Claimed blocker %s for %s.\n", b.ID, b.ClaimedBy)
				return nil
			})
		},
	}
	return cmd
}

func blockerResolveCmd() *cobra.Command {
	var id, reporter, workItem, description, notes string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a blocker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Resolve(ctx, engine.ResolveInput{
					BlockerID:       id,
					ReporterID:      reporter,
					WorkItemRef:     workItem,
					Description:     description,
					ActorID:         actorID(),
					ActorName:       actorName(),
					ResolutionNotes: notes,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Blocker %s resolved.\n", res.Blocker.ID)
				if res.WorkItemCleared {
					fmt.Println("Work item is back in progress.")
				} else if res.SyncFailed {
					fmt.Println("Work item status could not be updated; fix it manually.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "blocker id")
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporter id (when no --id)")
	cmd.Flags().StringVar(&workItem, "work-item", "", "work item reference")
	cmd.Flags().StringVar(&description, "description", "", "blocker description to match")
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func blockerReescalateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reescalate <blocker-id>",
		Short: "Escalate a blocker again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, receipt, err := a.Engine.ReEscalate(ctx, engine.ReEscalateInput{
					BlockerID: args[0],
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"blocker": b, "receipt": receipt})
				}
				fmt.Printf("Blocker %s escalated again to %s.\n", b.ID, receipt.Destination)
				return nil
			})
		},
	}
	return cmd
}

func blockerListCmd() *cobra.Command {
	var reporter, workItemID, state string
	var open bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List blockers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				blockers, err := a.Engine.ListBlockers(ctx, repo.BlockerFilters{
					ReporterID: reporter,
					WorkItemID: workItemID,
					State:      domain.BlockerState(state),
					OpenOnly:   open,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(blockers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Work Item", "State", "Urgency", "Reporter", "Claimed By", "Created"})
				for _, b := range blockers {
					tw.AppendRow(table.Row{b.ID, b.WorkItemRef, b.State, b.Urgency, b.ReporterName, b.ClaimedBy, b.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reporter, "reporter", "", "reporter id filter")
	cmd.Flags().StringVar(&workItemID, "work-item-id", "", "work item id filter")
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().BoolVar(&open, "open", false, "open blockers only")
	return cmd
}

func blockerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <blocker-id>",
		Short: "Show one blocker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				b, err := a.Engine.Repo.GetBlocker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	return cmd
}

func krCmd() *cobra.Command {
	kr := &cobra.Command{Use: "kr", Short: "Work with key results"}
	kr.AddCommand(krFindCmd())
	kr.AddCommand(krListCmd())
	kr.AddCommand(krAddCmd())
	return kr
}

func krFindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "find <text>",
		Short: "Resolve a free-text reference",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				q := strings.Join(args, " ")
				ref := a.Engine.Resolver.Resolve(ctx, q)
				if viper.GetBool("json") {
					out := map[string]any{"resolution": ref}
					if !ref.Found {
						if best, ok := resolver.FindBestSimilar(q, a.Engine.Resolver.Candidates(ctx)); ok {
							out["did_you_mean"] = best
						}
					}
					return printJSON(out)
				}
				if ref.Found {
					fmt.Printf("%s (shard %s, id %s)\n", ref.CanonicalName, ref.Shard, ref.WorkItemID)
					return nil
				}
				fmt.Printf("No work item matches %q.\n", q)
				if best, ok := resolver.FindBestSimilar(q, a.Engine.Resolver.Candidates(ctx)); ok {
					fmt.Printf("Did you mean %q? (score %.2f)\n", best.Name, best.Score)
				}
				return nil
			})
		},
	}
	return cmd
}

func krListCmd() *cobra.Command {
	var shard string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List key results in a shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				shards := a.Config.Shards
				if shard != "" {
					shards = []string{shard}
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Shard", "Name", "Status", "Owner", "Blocked By"})
				var all []domain.WorkItem
				for _, s := range shards {
					items, err := a.Engine.Repo.WorkItemsInShard(ctx, s)
					if err != nil {
						return err
					}
					all = append(all, items...)
					for _, item := range items {
						tw.AppendRow(table.Row{item.ID, item.Shard, item.Name, item.Status, item.Owner, item.BlockedBy})
					}
				}
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shard, "shard", "", "shard to list (default all)")
	return cmd
}

func krAddCmd() *cobra.Command {
	var shard, name, status, owner string
	var sprint int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a key result to a shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if shard == "" || name == "" {
				return fmt.Errorf("--shard and --name required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				fields := store.Fields{
					repo.ColName:   name,
					repo.ColStatus: status,
					repo.ColOwner:  owner,
				}
				if cmd.Flags().Changed("sprint") {
					fields[repo.ColSprint] = fmt.Sprintf("%d", sprint)
				}
				id, err := a.Engine.Repo.Store.Insert(ctx, shard, fields)
				if err != nil {
					return err
				}
				fmt.Printf("Added %s to %s (id %s)\n", name, shard, id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&shard, "shard", "", "shard to add to")
	cmd.Flags().StringVar(&name, "name", "", "key result name")
	cmd.Flags().StringVar(&status, "status", string(domain.StatusInProgress), "initial status")
	cmd.Flags().StringVar(&owner, "owner", "", "owner")
	cmd.Flags().IntVar(&sprint, "sprint", 0, "sprint number")
	return cmd
}

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one follow-up pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				now := time.Now()
				reminders, err := a.Engine.HandleTick(ctx, now)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reminders)
				}
				fmt.Printf("Sent %d follow-up(s).\n", len(reminders))
				for _, r := range reminders {
					fmt.Printf("  %s -> %s (%q, open %s)\n", r.BlockerID, r.Destination, r.WorkItemRef, r.Age.Round(time.Minute))
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				evts, err := events.Latest(ctx, a.DB, n, evtType, entityID)
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	ak.AddCommand(apikeyCreateCmd())
	ak.AddCommand(apikeyListCmd())
	ak.AddCommand(apikeyDeleteCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := a.Keys.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key %s created for %s.\nSecret (shown once): %s\n", key.ID, actor, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Keys.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Keys.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var tickEvery time.Duration
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				secret := a.Config.Auth.JWTSecret
				if secret == "" {
					secret = os.Getenv("TEAMPULSE_JWT_SECRET")
				}
				if secret == "" {
					return fmt.Errorf("auth.jwt_secret (or TEAMPULSE_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					DB:       a.DB,
					Keys:     a.Keys,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret:     secret,
						AllowDevLogin: devLogin,
						Logger:        a.Logger,
					},
				})
				if err != nil {
					return err
				}
				a.Forwarder.Start()
				defer a.Forwarder.Stop()

				if tickEvery > 0 {
					ticker := time.NewTicker(tickEvery)
					defer ticker.Stop()
					go func() {
						for {
							select {
							case <-ctx.Done():
								return
							case t := <-ticker.C:
								if _, err := a.Engine.HandleTick(ctx, t); err != nil {
									a.Logger.Printf("serve: follow-up tick failed: %v", err)
								}
							}
						}
					}()
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Teampulse API on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&tickEvery, "tick-every", time.Minute, "follow-up tick interval (0 disables)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}
