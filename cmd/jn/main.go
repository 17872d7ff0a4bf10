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

	"jalon/internal/app"
	"jalon/internal/config"
	"jalon/internal/db"
	"jalon/internal/domain"
	"jalon/internal/duration"
	"jalon/internal/ledger"
	"jalon/internal/migrate"
	"jalon/internal/repo"
	"jalon/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jn",
	Short: "Jalon CLI",
	Long: `Jalon tracks each client's journey through a sales pipeline.
- Workspace: your .jalon directory with only the database; the pipeline config lives in the DB and is imported explicitly.
- Stages: named pipeline steps (qualifie, premier_contact, ...). A client occupies exactly one stage at a time.
- Transitions: 'jn stage set' closes the current stage and opens the new one atomically; history keeps every interval with its duration.
- Timeline: an append-only feed of notes, calls, meetings, and status changes per client, view with 'jn timeline list'.
- Durations: 'jn stage duration' shows how long a client sat in a stage, live for the current one.`,
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
	viper.SetEnvPrefix("JALON")
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
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func clientCmd() *cobra.Command {
	client := &cobra.Command{
		Use:   "client",
		Short: "Manage clients",
	}
	client.AddCommand(clientCreateCmd())
	client.AddCommand(clientListCmd())
	client.AddCommand(clientShowCmd())
	client.AddCommand(clientUpdateCmd())
	client.AddCommand(clientDeleteCmd())
	return client
}

func clientCreateCmd() *cobra.Command {
	var opts ledger.ClientCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a client",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				c, err := l.CreateClient(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "client id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "client name")
	cmd.Flags().StringVar(&opts.Email, "email", "", "email")
	cmd.Flags().StringVar(&opts.Phone, "phone", "", "phone")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.InitialStage, "stage", "", "initial stage (defaults to the pipeline's first stage)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func clientListCmd() *cobra.Command {
	var limit int
	var cursor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				cursorCreated, cursorID := splitCursor(cursor)
				items, err := l.Repo.ListClients(ctx, limit, cursorCreated, cursorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "City", "Created"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Name, c.City, c.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max clients")
	cmd.Flags().StringVar(&cursor, "cursor", "", "pagination cursor (created_at|id)")
	return cmd
}

func clientShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a client with its current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				c, err := l.Repo.GetClient(ctx, args[0])
				if err != nil {
					return err
				}
				iv, err := l.CurrentStage(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"client": c}
				if iv != nil {
					out["current_stage"] = iv
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func clientUpdateCmd() *cobra.Command {
	var name, email, phone, city string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update client contact fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				now := time.Now().UTC().Format(time.RFC3339)
				var namePtr, emailPtr, phonePtr, cityPtr *string
				if cmd.Flags().Changed("name") {
					namePtr = &name
				}
				if cmd.Flags().Changed("email") {
					emailPtr = &email
				}
				if cmd.Flags().Changed("phone") {
					phonePtr = &phone
				}
				if cmd.Flags().Changed("city") {
					cityPtr = &city
				}
				if err := l.Repo.UpdateClient(ctx, args[0], namePtr, emailPtr, phonePtr, cityPtr, now); err != nil {
					return err
				}
				c, err := l.Repo.GetClient(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "client name")
	cmd.Flags().StringVar(&email, "email", "", "email")
	cmd.Flags().StringVar(&phone, "phone", "", "phone")
	cmd.Flags().StringVar(&city, "city", "", "city")
	return cmd
}

func clientDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a client and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteClient(ctx, args[0])
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	stage := &cobra.Command{
		Use:   "stage",
		Short: "Move clients through the pipeline",
	}
	stage.AddCommand(stageSetCmd())
	stage.AddCommand(stageCurrentCmd())
	stage.AddCommand(stageHistoryCmd())
	stage.AddCommand(stageDurationCmd())
	return stage
}

func stageSetCmd() *cobra.Command {
	var clientID, stageName string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Move a client to a new stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				res, err := l.Transition(ctx, ledger.TransitionOptions{
					ClientID:  clientID,
					Stage:     stageName,
					ChangedBy: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if res.PreviousStage != nil {
					fmt.Printf("%s: %s -> %s\n", clientID, *res.PreviousStage, res.Interval.StageName)
				} else {
					fmt.Printf("%s: -> %s\n", clientID, res.Interval.StageName)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&stageName, "stage", "", "new stage name")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func stageCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "current <client-id>",
		Short: "Show a client's current stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				iv, err := l.CurrentStage(ctx, args[0])
				if err != nil {
					return err
				}
				if iv == nil {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no open stage")
					return nil
				}
				return printJSONOrTable(iv)
			})
		},
	}
	return cmd
}

func stageHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <client-id>",
		Short: "Show a client's stage history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				items, err := l.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Started", "Ended", "Duration", "Changed by"})
				now := time.Now().UTC()
				for _, iv := range items {
					tw.AppendRow(table.Row{iv.StageName, iv.StartedAt, derefOr(iv.EndedAt, "-"), stageDurationCell(iv, now), iv.ChangedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stageDurationCmd() *cobra.Command {
	var clientID, stageName string
	cmd := &cobra.Command{
		Use:   "duration",
		Short: "Show time spent by a client in a stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				display, err := l.DisplayDuration(ctx, clientID, stageName)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{
						"client_id":  clientID,
						"stage_name": stageName,
						"display":    display,
					})
				}
				fmt.Println(display)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&stageName, "stage", "", "stage name")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

func timelineCmd() *cobra.Command {
	tl := &cobra.Command{
		Use:   "timeline",
		Short: "Client timeline feed",
	}
	tl.AddCommand(timelineAddCmd())
	tl.AddCommand(timelineListCmd())
	return tl
}

func timelineAddCmd() *cobra.Command {
	var clientID, entryType, description, payloadJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a timeline entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				e, err := l.AddTimelineEntry(ctx, ledger.TimelineEntryOptions{
					ClientID:    clientID,
					Type:        entryType,
					Description: description,
					Actor:       viper.GetString("actor-id"),
					Payload:     payload,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&clientID, "client", "", "client id")
	cmd.Flags().StringVar(&entryType, "type", "note", "entry type (note, appel, rdv, document, paiement)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "extra data as JSON object")
	_ = cmd.MarkFlagRequired("client")
	return cmd
}

func timelineListCmd() *cobra.Command {
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "list <client-id>",
		Short: "List timeline entries, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				if _, err := l.Repo.GetClient(ctx, args[0]); err != nil {
					return err
				}
				items, err := l.Repo.ListTimeline(ctx, args[0], limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Description", "Actor", "When"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.Type, e.Description, e.Actor, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return entries with id below this")
	return cmd
}

func summaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Clients per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				counts, err := l.Summary(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Clients"})
				if l.Config != nil {
					for _, stage := range l.Config.Pipeline.Stages {
						tw.AppendRow(table.Row{stage, counts[stage]})
						delete(counts, stage)
					}
				}
				for stage, n := range counts {
					tw.AppendRow(table.Row{stage, n})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage pipeline config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show pipeline config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				return printJSONOrTable(l.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import pipeline config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertPipelineConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	var pipelineID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jalon.yml in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(pipelineID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&pipelineID, "id", "default", "pipeline id")
	return cmd
}

func configCheckCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (pipeline %s, %d stages)\n", filePath, cfg.Pipeline.ID, len(cfg.Pipeline.Stages))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to workspace jalon.yml)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the raw key is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			raw := uuid.New().String()
			key := domain.APIKey{
				ID:      uuid.New().String(),
				ActorID: actorID,
				Name:    name,
				KeyHash: repo.HashAPIKey(raw),
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": raw})
				}
				fmt.Printf("API key %s for %s:\n%s\n", key.ID, key.ActorID, raw)
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
				keys, err := r.ListAPIKeys(ctx, actorID)
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
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
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
			r := repo.Repo{DB: conn}
			cfg, err := app.ResolveConfig(cmd.Context(), r)
			if err != nil {
				return err
			}
			l := ledger.New(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("JALON_JWT_SECRET")}
			handler, err := server.New(server.Config{Ledger: l, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(l)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			if authCfg.JWTSecret == "" {
				fmt.Println("JALON_JWT_SECRET not set; serving in open mode (actor from X-Actor-Id)")
			}
			fmt.Printf("Serving Jalon API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, r)
	if err != nil {
		return err
	}
	return fn(ctx, ledger.New(conn, cfg))
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

func splitCursor(cursor string) (string, string) {
	if cursor == "" {
		return "", ""
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func derefOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func stageDurationCell(iv domain.StageInterval, now time.Time) string {
	endedAt := ""
	if iv.EndedAt != nil {
		endedAt = *iv.EndedAt
	}
	return duration.StageDisplay(iv.Open(), iv.StartedAt, endedAt, iv.DurationSeconds, now)
}
