package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	internal_http "github.com/ChrisMoss87/crmflow/internal/http"
	"github.com/ChrisMoss87/crmflow/internal/log"
	"github.com/ChrisMoss87/crmflow/internal/notify"
	internal_storage "github.com/ChrisMoss87/crmflow/internal/storage"
	"github.com/ChrisMoss87/crmflow/pkg/engine"
	"github.com/ChrisMoss87/crmflow/pkg/storage"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow engine HTTP server and scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFrom(cmd)
			defer store.Close()

			port, _ := cmd.Flags().GetString("port")
			workers, _ := cmd.Flags().GetInt("workers")
			tick, _ := cmd.Flags().GetDuration("tick")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc := newService(ctx, store)
			svc.Start(workers)
			defer svc.Stop()

			go svc.RunSchedulerLoop(ctx, tick)

			server := internal_http.NewServer(svc, log.GetLogger())
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					log.GetLogger().Errorf("Failed to shut down server: %v", err)
				}
			}()
			if err := server.Start(":" + port); err != nil {
				log.GetLogger().Errorf("Server error: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP port")
	serveCmd.Flags().Int("workers", 0, "Worker pool size (0 = CPU count)")
	serveCmd.Flags().Duration("tick", time.Minute, "Scheduler tick interval")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all workflows",
		Run: func(cmd *cobra.Command, args []string) {
			store := storeFrom(cmd)
			defer store.Close()
			svc := newService(cmd.Context(), store)
			workflows, err := svc.ListWorkflows(storage.WorkflowFilter{})
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintln(os.Stdout, "No workflows found.")
				return
			}
			fmt.Fprintln(os.Stdout, "Workflows:")
			for _, wf := range workflows {
				state := "inactive"
				if wf.IsActive {
					state = "active"
				}
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Trigger: %s, State: %s, Version: %d\n",
					wf.ID, wf.Name, wf.TriggerType, state, wf.CurrentVersion)
			}
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger [workflow-id] [record-id] [record-type]",
		Short: "Manually trigger a workflow for a record",
		Args:  cobra.RangeArgs(1, 3),
		Run: func(cmd *cobra.Command, args []string) {
			workflowID := parseID(args[0])
			var recordID int64
			recordType := ""
			if len(args) > 1 {
				recordID = parseID(args[1])
			}
			if len(args) > 2 {
				recordType = args[2]
			}

			store := storeFrom(cmd)
			defer store.Close()
			svc := newService(cmd.Context(), store)
			exec, err := svc.TriggerManual(cmd.Context(), workflowID, recordID, recordType, nil)
			if err != nil {
				log.GetLogger().Errorf("Failed to trigger workflow %d: %v", workflowID, err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Execution %d (%s) finished with status %s: %d completed, %d failed, %d skipped\n",
				exec.ID, exec.Reference, exec.Status, exec.StepsCompleted, exec.StepsFailed, exec.StepsSkipped)
		},
	}

	versionsCmd := &cobra.Command{
		Use:   "versions [workflow-id]",
		Short: "List a workflow's versions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			workflowID := parseID(args[0])
			store := storeFrom(cmd)
			defer store.Close()
			svc := newService(cmd.Context(), store)
			versions, err := svc.ListVersions(workflowID, 0)
			if err != nil {
				log.GetLogger().Errorf("Failed to list versions: %v", err)
				os.Exit(1)
			}
			for _, v := range versions {
				marker := " "
				if v.IsActive {
					marker = "*"
				}
				fmt.Fprintf(os.Stdout, "%s v%d [%s] %s (%s)\n",
					marker, v.VersionNumber, v.ChangeType, v.ChangeSummary, v.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback [workflow-id] [version]",
		Short: "Roll a workflow back to an earlier version",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			workflowID := parseID(args[0])
			version, err := strconv.Atoi(args[1])
			if err != nil || version < 1 {
				fmt.Fprintln(os.Stderr, "Error: version must be a positive number")
				os.Exit(1)
			}
			store := storeFrom(cmd)
			defer store.Close()
			svc := newService(cmd.Context(), store)
			wf, err := svc.RollbackWorkflow(workflowID, version, nil)
			if err != nil {
				log.GetLogger().Errorf("Failed to roll back workflow %d: %v", workflowID, err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Workflow %d restored to the payload of version %d; now at version %d with %d step(s)\n",
				wf.ID, version, wf.CurrentVersion, len(wf.Steps))
		},
	}

	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run one scheduler pass over due workflows and executions",
		Run: func(cmd *cobra.Command, args []string) {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			store := storeFrom(cmd)
			defer store.Close()
			svc := newService(cmd.Context(), store)
			svc.Start(0)
			defer svc.Stop()
			if err := svc.TickScheduler(cmd.Context(), dryRun); err != nil {
				log.GetLogger().Errorf("Scheduler pass failed: %v", err)
				os.Exit(1)
			}
			fmt.Fprintln(os.Stdout, "Scheduler pass completed")
		},
	}
	schedulerCmd.Flags().Bool("dry-run", false, "Log what would fire without executing")

	rootCmd.PersistentFlags().String("db", "", "Database connection string (falls back to DB_* env vars)")
	rootCmd.AddCommand(serveCmd, listCmd, triggerCmd, versionsCmd, rollbackCmd, schedulerCmd)
}

func newService(ctx context.Context, store storage.Store) *engine.WorkflowService {
	collab := engine.Collaborators{
		Webhooks: notify.NewHTTPWebhookSender(10 * time.Second),
	}
	return engine.NewWorkflowService(ctx, store, collab, log.GetLogger())
}

func storeFrom(cmd *cobra.Command) *internal_storage.PostgresStore {
	connStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if connStr == "" {
		connStr = connStrFromEnv()
	}
	store, err := internal_storage.NewPostgresStore(connStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func connStrFromEnv() string {
	if err := godotenv.Load(); err != nil {
		log.GetLogger().Debugf("No .env file loaded: %v", err)
	}
	username := os.Getenv("DB_USERNAME")
	password := os.Getenv("DB_PASSWORD")
	host := os.Getenv("DB_HOST")
	port := os.Getenv("DB_PORT")
	name := os.Getenv("DB_NAME")
	if username == "" || host == "" || port == "" || name == "" {
		fmt.Println("Error: --db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		os.Exit(1)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", username, password, host, port, name)
}

func parseID(arg string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: %q is not a valid id\n", arg)
		os.Exit(1)
	}
	return id
}
