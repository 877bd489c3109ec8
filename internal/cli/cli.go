package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/False-Maker/test-genius-sub004/internal/config"
	"github.com/False-Maker/test-genius-sub004/internal/invoker"
	"github.com/False-Maker/test-genius-sub004/internal/lock"
	"github.com/False-Maker/test-genius-sub004/internal/log"
	internal_storage "github.com/False-Maker/test-genius-sub004/internal/storage"
	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// PassthroughNodeType is always handled in-process, even when a remote AI
// service is configured.
const PassthroughNodeType = "passthrough"

// app bundles what a command needs. close releases everything in reverse
// order of acquisition.
type app struct {
	cfg   *config.Config
	svc   *service.WorkflowService
	close func()
}

// SetupCLI registers every command on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DB_* settings)")

	rootCmd.AddCommand(
		serveCmd(),
		workflowCmd(),
		templateCmd(),
		runCmd(),
		statusCmd(),
		cancelCmd(),
		abtestCmd(),
		feedbackCmd(),
	)
}

// newApp loads the configuration and builds the service on top of Postgres.
// A Redis locker is used when REDIS_ADDR is set, and node operations go to
// the AI service when AI_SERVICE_URL is set.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.DB.DSN = dsn
	}
	log.GetLogger().Debugf("Connecting to %s", cfg.DatabaseURL())
	store, err := internal_storage.InitStore(cfg.DatabaseURL())
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { store.Close() }}

	opts := service.Options{
		Engine:  cfg.EngineConfig(),
		Workers: cfg.Engine.Workers,
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			store.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.Redis.Addr)
		}
		closers = append(closers, func() { _ = client.Close() })
		opts.Locker = lock.NewRedisLocker(client, cfg.Lock.TTL, log.GetLogger())
	}
	if cfg.AIService.URL != "" {
		registry := service.NewInvokerRegistry(invoker.NewHTTPInvoker(cfg.AIService.URL, cfg.AIService.Timeout))
		if err := registry.Register(PassthroughNodeType, service.PassthroughInvoker); err != nil {
			store.Close()
			return nil, err
		}
		opts.Invoker = registry
	}

	svc := service.NewWorkflowService(ctx, store, log.GetLogger(), opts)
	closers = append(closers, svc.Close)
	return &app{
		cfg:   cfg,
		svc:   svc,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

// run builds the app, hands it to fn and exits non-zero on any error.
func run(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd)
	if err != nil {
		fail("failed to initialize", err)
	}
	err = fn(ctx, a)
	a.close()
	if err != nil {
		fail(cmd.Name()+" failed", err)
	}
}

func fail(msg string, err error) {
	log.GetLogger().Errorf("%s: %v", msg, err)
	fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	os.Exit(1)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPayload reads a JSON document from path, or from stdin when path is "-".
func readPayload(path string) (json.RawMessage, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", path)
	}
	if !json.Valid(data) {
		return nil, errors.Errorf("%s does not contain valid JSON", path)
	}
	return data, nil
}

func parseNumber(arg, what string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 {
		return 0, errors.Errorf("invalid %s %q", what, arg)
	}
	return n, nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid id %q", arg)
	}
	return id, nil
}

// parseVars turns key=value arguments into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("expected key=value, got %q", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func kindFlag(cmd *cobra.Command) (models.DefinitionKind, error) {
	k, _ := cmd.Flags().GetString("kind")
	kind := models.DefinitionKind(k)
	if !kind.Valid() {
		return "", errors.Errorf("unknown kind %q, expected workflow or template", k)
	}
	return kind, nil
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "workflow", Short: "Manage workflows and their versions"}

	create := &cobra.Command{
		Use:   "create CODE NAME",
		Short: "Create a workflow",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			typ, _ := cmd.Flags().GetString("type")
			desc, _ := cmd.Flags().GetString("description")
			by, _ := cmd.Flags().GetString("by")
			run(cmd, func(ctx context.Context, a *app) error {
				wf, err := a.svc.CreateWorkflow(models.WorkflowDefinition{
					Code:        args[0],
					Name:        args[1],
					Type:        typ,
					Description: desc,
					IsActive:    true,
					CreatedBy:   by,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", wf.Code, wf.ID)
				return nil
			})
		},
	}
	create.Flags().String("type", "general", "Workflow family")
	create.Flags().String("description", "", "Description")
	create.Flags().String("by", "", "Author")

	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				page, err := a.svc.ListWorkflows(storage.Query{}.OrderBy("created_at", false))
				if err != nil {
					return err
				}
				if len(page.Items) == 0 {
					fmt.Fprintf(os.Stdout, "No workflows found.\n")
					return nil
				}
				fmt.Fprintf(os.Stdout, "Workflows:\n")
				for _, wf := range page.Items {
					fmt.Fprintf(os.Stdout, "- ID: %d, Code: %s, Name: %s, Type: %s, Active: %t, Default: %t, Executions: %d, Created: %s\n",
						wf.ID, wf.Code, wf.Name, wf.Type, wf.IsActive, wf.IsDefault, wf.ExecutionCount, wf.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	setDefault := &cobra.Command{
		Use:   "default CODE",
		Short: "Make a workflow the default of its type",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.SetDefaultWorkflow(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Workflow '%s' is now the default of its type\n", args[0])
				return nil
			})
		},
	}

	update := &cobra.Command{
		Use:   "update CODE",
		Short: "Edit a workflow; only the given flags change",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			upd := service.WorkflowUpdate{
				Name:        changedString(cmd, "name"),
				Description: changedString(cmd, "description"),
				Type:        changedString(cmd, "type"),
			}
			run(cmd, func(ctx context.Context, a *app) error {
				wf, err := a.svc.UpdateWorkflow(args[0], upd)
				if err != nil {
					return err
				}
				return printJSON(wf)
			})
		},
	}
	update.Flags().String("name", "", "Display name")
	update.Flags().String("description", "", "Description")
	update.Flags().String("type", "", "Workflow family")

	cmd.AddCommand(create, list, setDefault, update)
	cmd.AddCommand(lifecycleCmds(models.WorkflowKind)...)
	cmd.AddCommand(versionCmds(models.WorkflowKind)...)
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "template", Short: "Manage prompt templates and their versions"}

	create := &cobra.Command{
		Use:   "create CODE NAME",
		Short: "Create a prompt template",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			category, _ := cmd.Flags().GetString("category")
			model, _ := cmd.Flags().GetString("model")
			run(cmd, func(ctx context.Context, a *app) error {
				t, err := a.svc.CreateTemplate(models.PromptTemplate{
					Code:     args[0],
					Name:     args[1],
					Category: category,
					Model:    model,
					IsActive: true,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Created template '%s' with ID %d\n", t.Code, t.ID)
				return nil
			})
		},
	}
	create.Flags().String("category", "", "Category")
	create.Flags().String("model", "", "Default model")

	runTemplate := &cobra.Command{
		Use:   "run CODE [key=value...]",
		Short: "Render and invoke a template once",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reqID, _ := cmd.Flags().GetString("request-id")
			vars, err := parseVars(args[1:])
			if err != nil {
				fail("invalid variables", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				res, err := a.svc.RunTemplate(ctx, args[0], vars, reqID)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	runTemplate.Flags().String("request-id", "", "Routing key; generated when empty")

	update := &cobra.Command{
		Use:   "update CODE",
		Short: "Edit a template; only the given flags change",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			upd := service.TemplateUpdate{
				Name:     changedString(cmd, "name"),
				Category: changedString(cmd, "category"),
				Model:    changedString(cmd, "model"),
			}
			run(cmd, func(ctx context.Context, a *app) error {
				t, err := a.svc.UpdateTemplate(args[0], upd)
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	update.Flags().String("name", "", "Display name")
	update.Flags().String("category", "", "Category")
	update.Flags().String("model", "", "Default model")

	cmd.AddCommand(create, runTemplate, update)
	cmd.AddCommand(lifecycleCmds(models.TemplateKind)...)
	cmd.AddCommand(versionCmds(models.TemplateKind)...)
	return cmd
}

func changedString(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

// lifecycleCmds are activate, deactivate and delete for one kind.
func lifecycleCmds(kind models.DefinitionKind) []*cobra.Command {
	setActive := func(a *app, code string, active bool) error {
		var err error
		if kind == models.WorkflowKind {
			_, err = a.svc.SetWorkflowActive(code, active)
		} else {
			_, err = a.svc.SetTemplateActive(code, active)
		}
		return err
	}
	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " CODE",
			Short: fmt.Sprintf("Mark a %s %sd", kind, use),
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				run(cmd, func(ctx context.Context, a *app) error {
					if err := setActive(a, args[0], active); err != nil {
						return err
					}
					fmt.Fprintf(os.Stdout, "%s '%s' %sd\n", kind, args[0], use)
					return nil
				})
			},
		}
	}

	del := &cobra.Command{
		Use:   "delete CODE",
		Short: fmt.Sprintf("Delete a %s with its versions and experiments", kind),
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				var err error
				if kind == models.WorkflowKind {
					err = a.svc.DeleteWorkflow(ctx, args[0])
				} else {
					err = a.svc.DeleteTemplate(ctx, args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Deleted %s '%s'\n", kind, args[0])
				return nil
			})
		},
	}
	return []*cobra.Command{toggle("activate", true), toggle("deactivate", false), del}
}

// versionCmds are shared by workflows and templates.
func versionCmds(kind models.DefinitionKind) []*cobra.Command {
	publish := &cobra.Command{
		Use:   "publish CODE FILE",
		Short: fmt.Sprintf("Publish a new %s version from a JSON file (- for stdin)", kind),
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			desc, _ := cmd.Flags().GetString("description")
			by, _ := cmd.Flags().GetString("by")
			payload, err := readPayload(args[1])
			if err != nil {
				fail("failed to read payload", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				v, err := a.svc.PublishVersion(ctx, kind, args[0], payload, desc, by)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Published version %d of %s '%s' (current: %t)\n", v.Number, kind, args[0], v.IsCurrent)
				return nil
			})
		},
	}
	publish.Flags().String("description", "", "Change description")
	publish.Flags().String("by", "", "Author")

	versions := &cobra.Command{
		Use:   "versions CODE",
		Short: fmt.Sprintf("List the versions of a %s", kind),
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				list, err := a.svc.ListVersions(kind, args[0])
				if err != nil {
					return err
				}
				for _, v := range list {
					marker := " "
					if v.IsCurrent {
						marker = "*"
					}
					fmt.Fprintf(os.Stdout, "%s v%d  %s  %s  %s\n", marker, v.Number, v.CreatedAt.Format(time.RFC3339), v.CreatedBy, v.Description)
				}
				return nil
			})
		},
	}

	promote := &cobra.Command{
		Use:   "promote CODE NUMBER",
		Short: fmt.Sprintf("Make a %s version current", kind),
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			n, err := parseNumber(args[1], "version number")
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.PromoteVersion(ctx, kind, args[0], n); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Version %d of %s '%s' is now current\n", n, kind, args[0])
				return nil
			})
		},
	}

	rollback := &cobra.Command{
		Use:   "rollback CODE NUMBER",
		Short: fmt.Sprintf("Republish an old %s version as the new current one", kind),
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			by, _ := cmd.Flags().GetString("by")
			n, err := parseNumber(args[1], "version number")
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				v, err := a.svc.RollbackVersion(ctx, kind, args[0], n, by)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Rolled %s '%s' back to version %d as version %d\n", kind, args[0], n, v.Number)
				return nil
			})
		},
	}
	rollback.Flags().String("by", "", "Author")

	return []*cobra.Command{publish, versions, promote, rollback}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run CODE",
		Short: "Execute a workflow and wait for it to finish",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			inputPath, _ := cmd.Flags().GetString("input")
			version, _ := cmd.Flags().GetInt("version")
			reqID, _ := cmd.Flags().GetString("request-id")
			by, _ := cmd.Flags().GetString("by")
			var input json.RawMessage
			if inputPath != "" {
				var err error
				if input, err = readPayload(inputPath); err != nil {
					fail("failed to read input", err)
				}
			}
			run(cmd, func(ctx context.Context, a *app) error {
				id, err := a.svc.StartExecution(ctx, args[0], input, service.StartOptions{
					RequestID:     reqID,
					VersionNumber: version,
					CreatedBy:     by,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Started execution %s\n", id)
				snap, err := a.svc.WaitForExecution(ctx, id, 200*time.Millisecond)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	cmd.Flags().String("input", "", "JSON input file (- for stdin)")
	cmd.Flags().Int("version", 0, "Pin a version number instead of routing")
	cmd.Flags().String("request-id", "", "Routing key; generated when empty")
	cmd.Flags().String("by", "", "Author")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status EXECUTION_ID",
		Short: "Show an execution and its node ledger",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				snap, err := a.svc.GetExecutionStatus(args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel EXECUTION_ID",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.CancelExecution(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Cancellation requested for %s\n", args[0])
				return nil
			})
		},
	}
}

func abtestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "abtest", Short: "Manage A/B tests"}

	create := &cobra.Command{
		Use:   "create CODE NAME",
		Short: "Create an A/B test between two versions",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			kind, err := kindFlag(cmd)
			if err != nil {
				fail("invalid arguments", err)
			}
			f := cmd.Flags()
			cfg := service.AbTestConfig{Name: args[1]}
			cfg.Description, _ = f.GetString("description")
			cfg.VersionA, _ = f.GetInt("a")
			cfg.VersionB, _ = f.GetInt("b")
			cfg.SplitA, _ = f.GetInt("split-a")
			if cfg.SplitA > 0 {
				cfg.SplitB = 100 - cfg.SplitA
			}
			cfg.AutoSelect, _ = f.GetBool("auto")
			cfg.MinSamples, _ = f.GetInt("min-samples")
			criteria, _ := f.GetString("criteria")
			cfg.Criteria = models.SelectionCriteria(criteria)
			cfg.Confidence, _ = f.GetFloat64("confidence")
			cfg.CreatedBy, _ = f.GetString("by")
			cfg.Start, _ = f.GetBool("start")
			run(cmd, func(ctx context.Context, a *app) error {
				scope, err := a.svc.ResolveScope(kind, args[0])
				if err != nil {
					return err
				}
				test, err := a.svc.Router().Create(ctx, scope, cfg)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Created A/B test %d (%s) on %s '%s': v%d vs v%d, status %s\n",
					test.ID, test.Name, kind, args[0], test.VersionA, test.VersionB, test.Status)
				return nil
			})
		},
	}
	f := create.Flags()
	f.String("kind", string(models.WorkflowKind), "workflow or template")
	f.String("description", "", "Description")
	f.Int("a", 0, "Version number served as A")
	f.Int("b", 0, "Version number served as B")
	f.Int("split-a", 0, "Percentage of traffic routed to A (default 50)")
	f.Bool("auto", false, "Conclude automatically once significant")
	f.Int("min-samples", service.DefaultMinSamples, "Samples per label before concluding")
	f.String("criteria", string(models.SuccessRateCriteria), "success_rate, response_time or user_rating")
	f.Float64("confidence", service.DefaultConfidence, "Required confidence")
	f.String("by", "", "Author")
	f.Bool("start", false, "Start immediately")

	list := &cobra.Command{
		Use:   "list CODE",
		Short: "List the A/B tests of a workflow or template",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			kind, err := kindFlag(cmd)
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				scope, err := a.svc.ResolveScope(kind, args[0])
				if err != nil {
					return err
				}
				tests, err := a.svc.Router().List(scope)
				if err != nil {
					return err
				}
				return printJSON(tests)
			})
		},
	}
	list.Flags().String("kind", string(models.WorkflowKind), "workflow or template")

	transitions := map[string]func(*service.Router, context.Context, int64) (models.AbTest, error){
		"start": (*service.Router).Start,
		"pause": (*service.Router).Pause,
		"stop":  (*service.Router).Stop,
	}
	for name, fn := range transitions {
		cmd.AddCommand(&cobra.Command{
			Use:   name + " ID",
			Short: strings.ToUpper(name[:1]) + name[1:] + " an A/B test",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				id, err := parseID(args[0])
				if err != nil {
					fail("invalid arguments", err)
				}
				run(cmd, func(ctx context.Context, a *app) error {
					test, err := fn(a.svc.Router(), ctx, id)
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stdout, "A/B test %d is now %s\n", test.ID, test.Status)
					return nil
				})
			},
		})
	}

	complete := &cobra.Command{
		Use:   "complete ID",
		Short: "Complete an A/B test, promoting the winner when given",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			winner, _ := cmd.Flags().GetString("winner")
			id, err := parseID(args[0])
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				test, err := a.svc.Router().Complete(ctx, id, models.VersionLabel(winner))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "A/B test %d completed, winner: %q\n", test.ID, test.Winner)
				return nil
			})
		},
	}
	complete.Flags().String("winner", "", "A or B")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an A/B test that is not running",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := parseID(args[0])
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.Router().Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Deleted A/B test %d\n", id)
				return nil
			})
		},
	}

	metrics := &cobra.Command{
		Use:   "metrics ID",
		Short: "Show per-label metrics and the significance verdict",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := parseID(args[0])
			if err != nil {
				fail("invalid arguments", err)
			}
			run(cmd, func(ctx context.Context, a *app) error {
				m, err := a.svc.GetAbTestMetrics(id)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}

	cmd.AddCommand(create, list, complete, del, metrics)
	return cmd
}

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback REQUEST_ID RATING",
		Short: "Rate the outcome of a routed request (1-5)",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			comment, _ := cmd.Flags().GetString("comment")
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				fail("invalid arguments", errors.Errorf("invalid rating %q", args[1]))
			}
			run(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.SubmitFeedback(args[0], rating, comment); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "Recorded rating %d for request %s\n", rating, args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("comment", "", "Free text feedback")
	return cmd
}
