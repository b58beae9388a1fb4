package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
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
	"golang.org/x/sync/errgroup"

	"signoff/internal/access"
	"signoff/internal/broker"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/effects"
	"signoff/internal/events"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/repo"
	"signoff/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "signoff",
	Short: "Signoff CLI",
	Long: `Signoff is a decision-request broker for plan collaboration.
Agents working on a plan pause and raise decision requests; humans
resolve them with a binding decision. Concurrent resolve/cancel races
are settled by a single atomic conditional update in the store.`,
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
	viper.SetEnvPrefix("SIGNOFF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(decisionCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("config already exists at %s\n", path)
				return nil
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Printf("workspace initialized; config at %s\n", path)
				return nil
			})
		},
	}
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Manage plans"}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planCollaboratorCmd())
	plan.AddCommand(planNodeCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Plan{
					ID:          newID(),
					OwnerID:     viper.GetString("user-id"),
					Name:        name,
					Description: desc,
					Status:      "active",
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.InsertPlan(ctx, tx, p); err != nil {
					return err
				}
				w := events.Writer{DB: r.DB}
				if err := w.Append(ctx, tx, "plan.created", p.ID, "plan", p.ID, p.OwnerID, nil); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plans visible to the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlans(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.OwnerID, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func planShowCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPlan(ctx, planID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func planCollaboratorCmd() *cobra.Command {
	collab := &cobra.Command{Use: "collaborator", Short: "Manage plan collaborators"}

	var planID, user, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add or update a collaborator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c := domain.Collaborator{
					PlanID:  planID,
					UserID:  user,
					Role:    role,
					AddedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.UpsertCollaborator(ctx, c); err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	add.Flags().StringVar(&planID, "plan", "", "plan id")
	add.Flags().StringVar(&user, "user", "", "user id")
	add.Flags().StringVar(&role, "role", domain.RoleViewer, "viewer, editor, or admin")
	_ = add.MarkFlagRequired("plan")
	_ = add.MarkFlagRequired("user")

	var rmPlan, rmUser string
	rm := &cobra.Command{
		Use:   "remove",
		Short: "Remove a collaborator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RemoveCollaborator(ctx, rmPlan, rmUser)
			})
		},
	}
	rm.Flags().StringVar(&rmPlan, "plan", "", "plan id")
	rm.Flags().StringVar(&rmUser, "user", "", "user id")
	_ = rm.MarkFlagRequired("plan")
	_ = rm.MarkFlagRequired("user")

	var listPlan string
	list := &cobra.Command{
		Use:   "list",
		Short: "List collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCollaborators(ctx, listPlan)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listPlan, "plan", "", "plan id")
	_ = list.MarkFlagRequired("plan")

	collab.AddCommand(add, rm, list)
	return collab
}

func planNodeCmd() *cobra.Command {
	node := &cobra.Command{Use: "node", Short: "Manage plan nodes"}

	var planID, title, parent string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				n := domain.PlanNode{
					ID:        newID(),
					PlanID:    planID,
					Title:     title,
					Status:    "open",
					CreatedAt: now,
					UpdatedAt: now,
				}
				if parent != "" {
					n.ParentID = &parent
				}
				if err := r.InsertNode(ctx, n); err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	add.Flags().StringVar(&planID, "plan", "", "plan id")
	add.Flags().StringVar(&title, "title", "", "node title")
	add.Flags().StringVar(&parent, "parent", "", "parent node id")
	_ = add.MarkFlagRequired("plan")
	_ = add.MarkFlagRequired("title")

	var listPlan string
	list := &cobra.Command{
		Use:   "list",
		Short: "List nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNodes(ctx, listPlan)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listPlan, "plan", "", "plan id")
	_ = list.MarkFlagRequired("plan")

	node.AddCommand(add, list)
	return node
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{Use: "decision", Short: "Manage decision requests"}
	dec.AddCommand(decisionCreateCmd())
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionResolveCmd())
	dec.AddCommand(decisionCancelCmd())
	dec.AddCommand(decisionDeleteCmd())
	dec.AddCommand(decisionPendingCmd())
	return dec
}

func decisionCreateCmd() *cobra.Command {
	var planID, title, contextText, urgency, nodeID, agent, expires string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				in := broker.CreateInput{
					Title:   title,
					Context: contextText,
					Urgency: urgency,
				}
				if nodeID != "" {
					in.NodeID = &nodeID
				}
				if agent != "" {
					in.AgentName = &agent
				}
				if expires != "" {
					in.ExpiresAt = &expires
				}
				d, err := b.Create(ctx, planID, viper.GetString("user-id"), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&title, "title", "", "decision title")
	cmd.Flags().StringVar(&contextText, "context", "", "context for the decider")
	cmd.Flags().StringVar(&urgency, "urgency", "", "can_continue or blocking")
	cmd.Flags().StringVar(&nodeID, "node", "", "plan node id")
	cmd.Flags().StringVar(&agent, "agent", "", "requesting agent name")
	cmd.Flags().StringVar(&expires, "expires-at", "", "RFC3339 expiry")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func decisionListCmd() *cobra.Command {
	var planID, status, urgency string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List decision requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				items, total, err := b.List(ctx, planID, viper.GetString("user-id"), repo.DecisionFilters{
					Status:  status,
					Urgency: urgency,
					Limit:   limit,
					Offset:  offset,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"data": items, "total": total})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Urgency", "Requested By", "Created"})
				for _, d := range items {
					by := ""
					if d.RequestedBy != nil {
						by = *d.RequestedBy
					}
					if d.AgentName != nil {
						by = *d.AgentName
					}
					tw.AppendRow(table.Row{d.ID, d.Title, d.Status, d.Urgency, by, d.CreatedAt})
				}
				tw.Render()
				fmt.Printf("total: %d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&urgency, "urgency", "", "urgency filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	var planID, id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				d, err := b.Get(ctx, id, planID, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&id, "id", "", "decision id")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func decisionResolveCmd() *cobra.Command {
	var planID, id, decision, rationale string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a pending decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				d, err := b.Resolve(ctx, id, planID, viper.GetString("user-id"), decision, rationale)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&id, "id", "", "decision id")
	cmd.Flags().StringVar(&decision, "decision", "", "the binding decision")
	cmd.Flags().StringVar(&rationale, "rationale", "", "why")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func decisionCancelCmd() *cobra.Command {
	var planID, id, reason string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a pending decision request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				d, err := b.Cancel(ctx, id, planID, viper.GetString("user-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&id, "id", "", "decision id")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func decisionDeleteCmd() *cobra.Command {
	var planID, id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a decision request (plan owner only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				return b.Delete(ctx, id, planID, viper.GetString("user-id"))
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&id, "id", "", "decision id")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func decisionPendingCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Count pending decision requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBroker(cmd.Context(), func(ctx context.Context, b *broker.Broker) error {
				n, err := b.PendingCount(ctx, planID, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"pending_count": n})
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func knowledgeCmd() *cobra.Command {
	kb := &cobra.Command{Use: "knowledge", Short: "Browse captured knowledge"}
	var planID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List knowledge entries for a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				base, err := r.GetKnowledgeBase(ctx, planID)
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						fmt.Println("no knowledge captured yet")
						return nil
					}
					return err
				}
				items, err := r.ListKnowledgeEntries(ctx, base.ID, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&planID, "plan", "", "plan id")
	list.Flags().IntVar(&limit, "limit", 50, "max entries")
	_ = list.MarkFlagRequired("plan")
	kb.AddCommand(list)
	return kb
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext := "sk_" + strings.ReplaceAll(newID()+newID(), "-", "")
				k := domain.APIKey{
					ID:        newID(),
					UserID:    viper.GetString("user-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(plaintext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":  k.ID,
					"key": plaintext,
				})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}

	var id string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	del.Flags().StringVar(&id, "id", "", "key id")
	_ = del.MarkFlagRequired("id")

	key.AddCommand(create, list, del)
	return key
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var planID, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, n, planID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&planID, "plan", "", "plan filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	logc.AddCommand(tail)
	return logc
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
			fileCfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if fileCfg == nil {
				fileCfg = &config.Config{}
				fileCfg.Auth.AllowLegacyHeader = true
			}

			logger := log.New(os.Stderr, "signoff ", log.LstdFlags)
			r := repo.Repo{DB: conn}
			guard := access.Guard{Repo: r}
			writer := events.Writer{DB: conn}
			hub := notify.NewHub()
			dispatcher := &effects.Dispatcher{
				Hub:       hub,
				Knowledge: &effects.Capturer{Store: r},
				Log:       logger,
			}
			b := &broker.Broker{
				Store:   r,
				Guard:   guard,
				Events:  writer,
				Effects: dispatcher,
				Log:     logger,
			}

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = fileCfg.Auth.JWTSecret
			}
			if secret == "" && !fileCfg.Auth.AllowLegacyHeader {
				return fmt.Errorf("SIGNOFF_JWT_SECRET is required when the legacy header is disabled")
			}
			handler, err := server.New(server.Config{
				Broker:   b,
				Repo:     r,
				Guard:    guard,
				Events:   writer,
				Hub:      hub,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:             secret,
					AllowLegacyUserHeader: fileCfg.Auth.AllowLegacyHeader,
					Logger:                logger,
				},
			})
			if err != nil {
				return err
			}

			if addr == "" {
				addr = fileCfg.Addr()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			webhooks := notify.NewWebhookDispatcher(r, fileCfg.Webhooks, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Printf("serving API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return webhooks.Run(ctx)
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				dispatcher.Wait()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withBroker(ctx context.Context, fn func(context.Context, *broker.Broker) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	r := repo.Repo{DB: conn}
	logger := log.New(os.Stderr, "signoff ", log.LstdFlags)
	dispatcher := &effects.Dispatcher{
		Knowledge: &effects.Capturer{Store: r},
		Log:       logger,
	}
	b := &broker.Broker{
		Store:   r,
		Guard:   access.Guard{Repo: r},
		Events:  events.Writer{DB: conn},
		Effects: dispatcher,
		Log:     logger,
	}
	// Knowledge capture runs async; let it land before the process
	// exits.
	defer dispatcher.Wait()
	return fn(ctx, b)
}

func openDB() (*sql.DB, error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newID() string {
	return uuid.NewString()
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
