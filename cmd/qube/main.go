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

	"qube/internal/app"
	"qube/internal/config"
	"qube/internal/db"
	"qube/internal/domain"
	"qube/internal/engine"
	"qube/internal/repo"
	"qube/internal/sched"
	"qube/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "qube",
	Short: "Qube escrow task platform",
	Long: `Qube connects depositors (companies) and recipients (freelancers) through
escrow-secured task contracts. Funds sit in an on-chain escrow owned by an
external relayer; this service tracks the task lifecycle, runs the nightly
deadline sweeps, sends mail notifications, and ingests on-chain event
confirmations.`,
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
	viper.SetEnvPrefix("QUBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("wallet", "local-admin", "acting wallet address")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("wallet", rootCmd.PersistentFlags().Lookup("wallet"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(errorsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage escrow projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectAssignCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Owner == "" {
				opts.Owner = viper.GetString("wallet")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner wallet (defaults to --wallet)")
	cmd.Flags().StringVar(&opts.SubmissionDeadline, "submission-deadline", "", "submission deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.PaymentDeadline, "payment-deadline", "", "payment deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Owner", "Members"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Owner, len(p.AssignedUsers)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectAssignCmd() *cobra.Command {
	var member string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a member wallet to a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AssignMember(ctx, args[0], member, viper.GetString("wallet"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&member, "member", "", "member wallet address")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage task contracts",
		Long: `Tasks are escrow-backed work contracts. They start as Created, the
recipient signs into InProgress, submission moves them to UnderReview, and
approval queues the payment. Deadline sweeps push overdue tasks into their
overdue states every night.`,
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskSignCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskDeletionCmd())
	task.AddCommand(taskExtensionCmd())
	task.AddCommand(taskDisapproveCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskForcePaymentCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("wallet")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Details, "details", "", "details")
	cmd.Flags().StringVar(&opts.HashedTaskID, "hashed-task-id", "", "on-chain task id")
	cmd.Flags().StringVar(&opts.TokenAddress, "token", "", "reward token address")
	cmd.Flags().StringVar(&opts.RewardAmount, "reward", "", "reward amount in token base units")
	cmd.Flags().StringVar(&opts.SubmissionDeadline, "submission-deadline", "", "submission deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.ReviewDeadline, "review-deadline", "", "review deadline (RFC3339)")
	cmd.Flags().StringVar(&opts.PaymentDeadline, "payment-deadline", "", "payment deadline (RFC3339)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("submission-deadline")
	_ = cmd.MarkFlagRequired("review-deadline")
	_ = cmd.MarkFlagRequired("payment-deadline")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Recipient", "Submission deadline"})
				for _, t := range tasks {
					recipient := ""
					if t.Recipient != nil {
						recipient = *t.Recipient
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, recipient, t.SubmissionDeadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Recipient, "recipient", "", "recipient filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskSignCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign task as recipient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" {
				recipient = viper.GetString("wallet")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SignTask(ctx, args[0], recipient)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient wallet (defaults to --wallet)")
	return cmd
}

func taskSubmitCmd() *cobra.Command {
	var deliverables string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit task deliverables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SubmitTask(ctx, args[0], deliverables)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&deliverables, "deliverables-json", "", "deliverables JSON")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return taskActionCmd("approve <id>", "Approve submission", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.ApproveTask(ctx, id, viper.GetString("wallet"))
	})
}

func taskDeletionCmd() *cobra.Command {
	del := &cobra.Command{Use: "deletion", Short: "Task deletion flow"}
	del.AddCommand(taskActionCmd("request <id>", "Request task deletion", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.RequestDeletion(ctx, id, viper.GetString("wallet"))
	}))
	del.AddCommand(taskActionCmd("reject <id>", "Reject task deletion", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.RejectDeletion(ctx, id, viper.GetString("wallet"))
	}))
	del.AddCommand(&cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm task deletion and refund the depositor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.ConfirmDeletion(ctx, args[0], viper.GetString("wallet"))
			})
		},
	})
	return del
}

func taskExtensionCmd() *cobra.Command {
	ext := &cobra.Command{Use: "extension", Short: "Deadline extension flow"}
	ext.AddCommand(taskActionCmd("request <id>", "Request deadline extension", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.RequestExtension(ctx, id, viper.GetString("wallet"))
	}))
	ext.AddCommand(taskActionCmd("approve <id>", "Approve deadline extension", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.ApproveExtension(ctx, id, viper.GetString("wallet"))
	}))
	ext.AddCommand(taskActionCmd("reject <id>", "Reject deadline extension", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.RejectExtension(ctx, id, viper.GetString("wallet"))
	}))
	return ext
}

func taskDisapproveCmd() *cobra.Command {
	return taskActionCmd("disapprove <id>", "Disapprove after a failed extension round and lock the reward", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.DisapproveTask(ctx, id, viper.GetString("wallet"))
	})
}

func taskCompleteCmd() *cobra.Command {
	complete := &cobra.Command{Use: "complete", Short: "Close overdue tasks"}
	complete.AddCommand(taskActionCmd("without-submission <id>", "Complete without submission", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.CompleteWithoutSubmission(ctx, id, viper.GetString("wallet"))
	}))
	complete.AddCommand(taskActionCmd("without-review <id>", "Complete without review", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.CompleteWithoutReview(ctx, id, viper.GetString("wallet"))
	}))
	return complete
}

func taskForcePaymentCmd() *cobra.Command {
	return taskActionCmd("force-payment <id>", "Force payment after the payment window lapsed", func(ctx context.Context, e engine.Engine, id string) (domain.Task, error) {
		return e.ForcePayment(ctx, id, viper.GetString("wallet"))
	})
}

func taskActionCmd(use, short string, run func(ctx context.Context, e engine.Engine, id string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := run(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userListCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if u.WalletAddress == "" {
				u.WalletAddress = viper.GetString("wallet")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RegisterUser(ctx, u)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&u.WalletAddress, "address", "", "wallet address (defaults to --wallet)")
	cmd.Flags().StringVar(&u.Username, "username", "", "display name")
	cmd.Flags().StringVar(&u.Email, "email", "", "notification email")
	cmd.Flags().StringVar(&u.UserType, "type", "", "depositor or recipient")
	cmd.Flags().StringVar(&u.ImageURL, "image-url", "", "avatar URL")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func userShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <wallet>",
		Short: "Show user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Wallet", "Username", "Type", "Email"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.WalletAddress, u.Username, u.UserType, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run deadline sweeps once",
		Long:  "Runs the nightly deadline sweeps immediately. Without --name every sweep runs in schedule order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := sched.New(e)
				if name == "" {
					n, err := s.RunAll(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("processed %d records\n", n)
					return nil
				}
				n, ok, err := s.Run(ctx, name)
				if !ok {
					return fmt.Errorf("unknown sweep %q; known: %s", name, strings.Join(s.Names(), ", "))
				}
				if err != nil {
					return err
				}
				fmt.Printf("processed %d records\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "run a single sweep by name")
	return cmd
}

func errorsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "List the durable error log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListErrorLogs(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Function", "Task", "Error"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.TS, item.FunctionName, item.TaskID, item.ErrorMessage})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.New().String()
				key := domain.APIKey{
					ID:      uuid.New().String(),
					ActorID: viper.GetString("wallet"),
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				// The secret is only printed once.
				return printJSONOrTable(map[string]string{"id": key.ID, "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default qube.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", app.DefaultBaseURL, "platform base URL used in mail links")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate qube.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace)
			if err != nil {
				return err
			}
			conn, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := app.BuildEngine(conn, cfg)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("QUBE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("QUBE_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if !noScheduler {
				s := sched.New(e)
				if err := s.Start(cmd.Context()); err != nil {
					return err
				}
				defer s.Stop()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Qube API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve without the nightly sweeps")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace)
	if err != nil {
		return err
	}
	conn, err := app.Open(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, app.BuildEngine(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer conn.Close()
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
