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

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline CLI",
	Long: `Crewline coordinates multi-role agent workflows with explicit handoffs.
Core concepts:
- Workspace: your .crewline directory holding the database; tunables live in crewline.yml.
- Session: one task moving through analyze -> plan -> implement -> done (halted is the kill switch).
- Roles: a fixed 14-role roster (clarifier, researcher, planner, implementer, reviewer, ...),
  each with a capability set. Exactly one role is active per session.
- Handoffs: the only way the active role changes; validated against the handoff rules
  (no self-handoff, research before writing, review before done).
- Operations: named pieces of work whose failures are counted; repeated failure escalates
  to the operator instead of retrying forever.
- Event log: diary of everything, view with 'crew log tail'.`,
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
	viper.SetEnvPrefix("CREWLINE")
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
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(handoffCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "session",
		Short: "Manage workflow sessions",
		Long:  "Sessions carry one task through the phases. They start in analyze with no active role, and end archived in done or halted.",
	}
	s.AddCommand(sessionCreateCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	return s
}

func sessionCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateSession(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func sessionListCmd() *cobra.Command {
	var phase, archived string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := repo.SessionFilters{Phase: phase, Limit: limit}
				if archived != "" {
					b := archived == "true"
					f.Archived = &b
				}
				sessions, err := e.Repo.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Active Role", "Updated", "Archived"})
				for _, s := range sessions {
					archivedAt := ""
					if s.ArchivedAt != nil {
						archivedAt = *s.ArchivedAt
					}
					tw.AppendRow(table.Row{s.ID, s.Phase, s.ActiveRole, s.UpdatedAt, archivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&archived, "archived", "", "archived filter (true/false)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max sessions")
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show full session state",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <session-id>",
		Short: "Show full session state (alias of 'session show')",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
	return cmd
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	id := args[0]
	return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
		st, err := e.GetState(ctx, id)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(st)
		}
		fmt.Printf("Session: %s\n", st.Session.ID)
		fmt.Printf("Phase:   %s\n", st.Session.Phase)
		if st.Session.ActiveRole != "" {
			fmt.Printf("Active:  %s\n", st.Session.ActiveRole)
		}
		if st.Session.ArchivedAt != nil {
			fmt.Printf("Archived: %s\n", *st.Session.ArchivedAt)
		}
		if len(st.Transitions) > 0 {
			fmt.Println("Transitions:")
			for _, t := range st.Transitions {
				fmt.Printf("  %3d  %-22s %s -> %s\n", t.Seq, t.Event, t.FromPhase, t.ToPhase)
			}
		}
		if len(st.Handoffs) > 0 {
			fmt.Println("Handoffs:")
			for _, h := range st.Handoffs {
				from := h.FromRole
				if from == "" {
					from = "(none)"
				}
				fmt.Printf("  %3d  %s -> %s\n", h.Seq, from, h.ToRole)
			}
		}
		if len(st.Failures) > 0 {
			fmt.Println("Failures:")
			for _, f := range st.Failures {
				marker := ""
				if f.Escalated {
					marker = " [escalated]"
				}
				fmt.Printf("  %s: %d%s\n", f.Operation, f.Count, marker)
			}
		}
		return nil
	})
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Submit workflow events",
		Long:  "Events drive the phase machine: approve advances, reject steps back, all-edits-confirmed finishes, halt kills, reset starts over.",
	}
	ev.AddCommand(submitEventCmd("approve", engine.EventApprove))
	ev.AddCommand(submitEventCmd("reject", engine.EventReject))
	ev.AddCommand(submitEventCmd("halt", engine.EventHalt))
	ev.AddCommand(submitEventCmd("reset", engine.EventReset))
	ev.AddCommand(submitEventCmd("confirm", engine.EventConfirm))
	return ev
}

func submitEventCmd(use, event string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s <session-id>", use),
		Short: fmt.Sprintf("Submit %s to a session", event),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.SubmitEvent(ctx, id, event, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func handoffCmd() *cobra.Command {
	var from, to, contextJSON string
	cmd := &cobra.Command{
		Use:   "handoff <session-id>",
		Short: "Request a role handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if to == "" {
				return fmt.Errorf("--to required")
			}
			if contextJSON != "" && !json.Valid([]byte(contextJSON)) {
				return fmt.Errorf("--context-json must be valid JSON")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				h, err := e.RequestHandoff(ctx, engine.HandoffRequest{
					SessionID: id,
					FromRole:  from,
					ToRole:    to,
					Context:   contextJSON,
				}, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "handing-off role (empty on a session's first handoff)")
	cmd.Flags().StringVar(&to, "to", "", "receiving role")
	cmd.Flags().StringVar(&contextJSON, "context-json", "", "handoff context JSON")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func opCmd() *cobra.Command {
	op := &cobra.Command{
		Use:   "op",
		Short: "Record operation results",
		Long:  "Operations are named pieces of work. Failures count up per session; at the threshold they escalate instead of retrying.",
	}
	op.AddCommand(opOkCmd())
	op.AddCommand(opFailCmd())
	return op
}

func opOkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ok <session-id> <operation>",
		Short: "Record a successful operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordOperationResult(ctx, args[0], args[1], true, "", viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"operation": args[1], "disposition": string(d)})
			})
		},
	}
	return cmd
}

func opFailCmd() *cobra.Command {
	var errText string
	cmd := &cobra.Command{
		Use:   "fail <session-id> <operation>",
		Short: "Record a failed operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RecordOperationResult(ctx, args[0], args[1], false, errText, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"operation": args[1], "disposition": string(d)})
			})
		},
	}
	cmd.Flags().StringVar(&errText, "error", "", "failure description")
	return cmd
}

func rolesCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "roles",
		Short: "Inspect the role roster",
	}
	r.AddCommand(rolesListCmd())
	r.AddCommand(rolesShowCmd())
	return r
}

func rolesListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				all := e.Roster.All()
				if viper.GetBool("json") {
					return printJSON(all)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Tier", "Capabilities", "Job"})
				for _, role := range all {
					caps := make([]string, 0, len(role.Capabilities))
					for _, c := range role.Capabilities {
						caps = append(caps, string(c))
					}
					tw.AppendRow(table.Row{role.Name, role.TierName, strings.Join(caps, ","), role.Job})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func rolesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				role, err := e.Roster.Lookup(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workflow status",
		Long:  "Scoreboard for the workspace: session counts per phase and the escalation threshold in effect.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountSessionsByPhase(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"session_counts":       counts,
					"escalation_threshold": e.Config.Workflow.EscalationThreshold,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println("Sessions:")
				for phase, c := range counts {
					fmt.Printf("  %s: %d\n", phase, c)
				}
				fmt.Printf("Escalation threshold: %d\n", e.Config.Workflow.EscalationThreshold)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config is crewline.yml: escalation threshold, first-handoff targets, and the allowed handoff cycles.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
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

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default crewline.yml",
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

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: phase changes, handoffs, operation failures and escalations.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, sessionID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	ak.AddCommand(apikeyCreateCmd())
	return ak
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			key := uuid.New().String()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				now := time.Now().UTC().Format(time.RFC3339)
				if err := r.EnsureActor(ctx, tx, actor, now); err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, tx, domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: now,
				}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"actor_id": actor, "api_key": key})
				}
				fmt.Printf("API key for %s (store it now, it is not recoverable):\n%s\n", actor, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CREWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
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
	cfg, err := config.Load(workspace)
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
