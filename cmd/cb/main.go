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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"callbank/internal/app"
	"callbank/internal/config"
	"callbank/internal/db"
	"callbank/internal/engine"
	"callbank/internal/interact"
	"callbank/internal/migrate"
	"callbank/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cb",
	Short: "Callbank CLI",
	Long: `Callbank coordinates volunteer phone outreach.
Core concepts:
- Workspace: your .callbank directory holding the database; configs live in the DB.
- Location: a chapter or office identified by a unique human code like austin-01.
- Task: an outreach campaign at a location, owning a pool of call targets.
- Claim: volunteers pull a batch of unclaimed targets; each target goes to at most one caller.
- Call: record what happened (notes, 1-5 rating, follow-up); the completion rule decides when the assignment is finished.
- Skip: give up on a target without returning it to the pool.
- Pages: what each role may see, resolved through location groups (organizer, volunteer, guest).
- Event log: diary of changes, view with 'cb log tail'.`,
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
	viper.SetEnvPrefix("CALLBANK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("location", "l", "", "location code")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("location", rootCmd.PersistentFlags().Lookup("location"))
}

func registerCommands() {
	rootCmd.AddCommand(locationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(skipCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(pagesCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func locationCmd() *cobra.Command {
	loc := &cobra.Command{Use: "location", Short: "Manage locations"}
	loc.AddCommand(locationCreateCmd())
	loc.AddCommand(locationShowCmd())
	loc.AddCommand(locationConfigCmd())
	return loc
}

func locationCreateCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if code == "" {
				return fmt.Errorf("--code required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc, err := e.InitLocation(ctx, code, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if err := app.StoreConfig(ctx, e, loc.ID, config.Default(loc.ID)); err != nil {
					return err
				}
				return printJSONOrTable(loc)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "unique location code (e.g. austin-01)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func locationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				loc, err := e.GetLocationByCode(ctx, viper.GetString("location"))
				if err != nil {
					return err
				}
				return printJSONOrTable(loc)
			})
		},
	}
	return cmd
}

func locationConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage location config"}
	cfg.AddCommand(locationConfigShowCmd())
	cfg.AddCommand(locationConfigImportCmd())
	return cfg
}

func locationConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show location config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func locationConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import location config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				if err := app.StoreConfig(ctx, e, locationID, cfg); err != nil {
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

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage call tasks",
		Long:  "Tasks own a pool of call targets. They flow open -> in_progress -> completed; the first claim moves a task to in_progress and completion requires every target to be done or skipped.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAddTargetsCmd())
	task.AddCommand(taskTargetsCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title string
	var actions []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					LocationID: locationID,
					Title:      title,
					Actions:    actions,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringArrayVar(&actions, "action", []string{}, "allowed call action (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks with pool counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				summaries, err := e.TaskSummaries(ctx, locationID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(summaries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Targets", "Assigned"})
				for _, s := range summaries {
					tw.AppendRow(table.Row{s.TaskID, s.Title, s.Status, s.TotalTargets, s.Assigned})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.TaskSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func taskAddTargetsCmd() *cobra.Command {
	var entries []string
	cmd := &cobra.Command{
		Use:   "add-targets <task-id>",
		Short: "Add targets to a task pool",
		Long:  "Each --target is \"Name\" or \"Name,Phone\". Targets keep their input order for claiming.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(entries) == 0 {
				return fmt.Errorf("--target required at least once")
			}
			inputs := make([]engine.TargetInput, 0, len(entries))
			for _, entry := range entries {
				name, phone, _ := strings.Cut(entry, ",")
				name = strings.TrimSpace(name)
				if name == "" {
					return fmt.Errorf("target %q has no name", entry)
				}
				inputs = append(inputs, engine.TargetInput{Name: name, Phone: strings.TrimSpace(phone)})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				added, err := e.AddTargets(ctx, args[0], viper.GetString("actor-id"), inputs)
				if err != nil {
					return err
				}
				return printJSONOrTable(added)
			})
		},
	}
	cmd.Flags().StringArrayVar(&entries, "target", []string{}, "target as \"Name,Phone\" (repeatable)")
	return cmd
}

func taskTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets <task-id>",
		Short: "List task targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				targets, err := e.Store.TargetsByTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(targets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "ID", "Name", "Phone"})
				for _, t := range targets {
					tw.AppendRow(table.Row{t.Seq, t.ID, t.Name, t.Phone})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task once every target is done or skipped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteTask(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "claim <task-id>",
		Short: "Claim a batch of targets to call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTaskEngine(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				res, err := e.ClaimTargets(ctx, args[0], viper.GetString("actor-id"), count)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "batch size (defaults to the location's configured batch)")
	return cmd
}

func callCmd() *cobra.Command {
	var notes, followUp string
	var rating int
	var actions []string
	cmd := &cobra.Command{
		Use:   "call <task-id> <target-id>",
		Short: "Record a call outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := interact.Outcome{
				Actions: actions,
				Notes:   notes,
			}
			if cmd.Flags().Changed("rating") {
				out.Rating = &rating
			}
			if followUp != "" {
				out.FollowUpAt = &followUp
			}
			return withTaskEngine(cmd.Context(), args[0], func(ctx context.Context, e engine.Engine) error {
				n, err := e.RecordCall(ctx, args[0], args[1], viper.GetString("actor-id"), out)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "call notes")
	cmd.Flags().IntVar(&rating, "rating", 0, "rating 1-5")
	cmd.Flags().StringArrayVar(&actions, "action", []string{}, "action taken (repeatable)")
	cmd.Flags().StringVar(&followUp, "follow-up", "", "follow-up timestamp (RFC3339)")
	return cmd
}

func skipCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skip <task-id> <target-id>",
		Short: "Skip a claimed target",
		Long:  "The assignment is marked skipped. The target does not return to the pool.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SkipTarget(ctx, args[0], viper.GetString("actor-id"), args[1])
			})
		},
	}
	return cmd
}

func workCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "List your claimed targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.AssignedWork(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Target", "Name", "Phone", "Status"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.TaskID, w.TargetID, w.Name, w.Phone, w.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func joinCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a group at the active location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				m, err := e.Join(ctx, viper.GetString("actor-id"), locationID, group)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&group, "group", "volunteer", "group type (organizer, volunteer, guest)")
	return cmd
}

func pagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "List pages you can access at the active location",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				pages := e.AccessiblePages(ctx, viper.GetString("actor-id"), locationID)
				return printJSONOrTable(pages)
			})
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, plaintext, err := e.CreateAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "name": key.Name, "key": plaintext})
				}
				fmt.Printf("Key %s created. Save it now; it will not be shown again:\n%s\n", key.ID, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Store.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail location events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocation(cmd.Context(), func(ctx context.Context, e engine.Engine, locationID string) error {
				events, err := e.Events.Tail(ctx, locationID, n)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(""))
			if code := viper.GetString("location"); code != "" {
				_, cfg, err := app.ResolveLocation(cmd.Context(), e, code, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				e = engine.New(conn, cfg)
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CALLBANK_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CALLBANK_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Callbank API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
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
	return fn(ctx, engine.New(conn, config.Default("")))
}

func withLocation(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, config.Default(""))
	locationID, cfg, err := app.ResolveLocation(ctx, e, viper.GetString("location"), viper.GetString("actor-id"))
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg), locationID)
}

// withTaskEngine loads the stored config of the task's own location so
// claim retries and completion rules follow that location's settings.
func withTaskEngine(ctx context.Context, taskID string, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := engine.New(conn, config.Default(""))
	task, err := e.Store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if cfg, err := app.LoadStoredConfig(ctx, e, task.LocationID); err == nil {
		e = engine.New(conn, cfg)
	}
	return fn(ctx, e)
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
