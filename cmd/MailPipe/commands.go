package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/MailPipe/internal/api"
	"github.com/BTreeMap/MailPipe/internal/config"
	"github.com/BTreeMap/MailPipe/internal/lockfile"
	"github.com/BTreeMap/MailPipe/internal/models"
	"github.com/BTreeMap/MailPipe/internal/queue"
	"github.com/BTreeMap/MailPipe/internal/recovery"
	"github.com/BTreeMap/MailPipe/internal/scheduler"
	"github.com/BTreeMap/MailPipe/internal/store"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, the scheduled delivery job and the optional AMQP intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if cfg.UsesSQLite() {
		if err := ensureDirectoriesExist(cfg); err != nil {
			return err
		}
		lock, err := lockfile.AcquireLock(filepath.Dir(cfg.DSN()))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.CatalogPath != "" {
		if err := seedCatalog(ctx, st, cfg.CatalogPath); err != nil {
			return err
		}
	}

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable(recovery.NewStaleRunRecoverer(cfg.Delivery.OverlapWindow))
	rm.RegisterRecoverable(recovery.ExpiryRecoverer{})
	if err := rm.RecoverAll(ctx); err != nil {
		// Recovery failures leave stale rows behind but must not block startup.
		slog.Warn("Recovery finished with errors", "error", err)
	}

	orch, err := buildOrchestrator(cfg, st)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	err = sched.AddJob(cfg.Schedule, func() {
		run, err := orch.Run(ctx)
		if err != nil {
			slog.Error("Scheduled delivery run failed", "error", err, "run", run.ID)
			return
		}
		slog.Info("Scheduled delivery run finished", "run", run.ID, "status", run.Status,
			"sent", run.Counts.Sent, "failed", run.Counts.Failed, "skipped", run.Counts.Skipped)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule delivery job: %w", err)
	}
	defer func() {
		<-sched.Stop().Done()
	}()

	if cfg.AMQP.URL != "" {
		conn, ch, err := queue.Dial(cfg.AMQP.URL)
		if err != nil {
			return err
		}
		defer conn.Close()
		consumer := queue.NewConsumer(ch, orch.Engine(), cfg.AMQP.Queue, cfg.AMQP.Prefetch)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				slog.Error("AMQP consumer stopped", "error", err)
			}
		}()
	}

	slog.Info("Bootstrapping MailPipe", "api_addr", cfg.APIAddr, "schedule", cfg.Schedule, "job", orch.JobName())
	srv := api.NewServer(orch.Engine(), orch, st, api.WithAddr(cfg.APIAddr))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	slog.Info("MailPipe exited successfully")
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one delivery run and print its ledger row",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			orch, err := buildOrchestrator(a.cfg, st)
			if err != nil {
				return err
			}
			run, runErr := orch.Run(cmd.Context())
			if run.ID != "" {
				if err := printJSON(cmd.OutOrStdout(), run); err != nil {
					return err
				}
			}
			return runErr
		},
	}
}

// requestFlags are shared by send and enqueue.
type requestFlags struct {
	template  string
	to        string
	userID    string
	dedupeKey string
	vars      map[string]string
	expiresIn time.Duration
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.template, "template", "", "template key")
	cmd.Flags().StringVar(&f.to, "to", "", "recipient email address")
	cmd.Flags().StringVar(&f.userID, "user-id", "", "recipient user id")
	cmd.Flags().StringVar(&f.dedupeKey, "dedupe-key", "", "idempotency key of the logical message")
	cmd.Flags().StringToStringVar(&f.vars, "var", nil, "template variable as name=value (repeatable)")
	cmd.Flags().DurationVar(&f.expiresIn, "expires-in", 0, "give up on the message after this long")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("to")
}

func (f *requestFlags) request() models.SendRequest {
	req := models.SendRequest{
		TemplateKey:     f.template,
		RecipientEmail:  f.to,
		RecipientUserID: f.userID,
		DedupeKey:       f.dedupeKey,
		Variables:       f.vars,
	}
	if f.expiresIn > 0 {
		at := time.Now().UTC().Add(f.expiresIn)
		req.ExpiresAt = &at
	}
	return req
}

func newSendCmd(a *app) *cobra.Command {
	var rf requestFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Record a message and deliver it immediately with the active profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			orch, err := buildOrchestrator(a.cfg, st)
			if err != nil {
				return err
			}
			entry, sendErr := orch.Engine().SendNow(cmd.Context(), rf.request())
			if entry.ID != "" {
				if err := printJSON(cmd.OutOrStdout(), entry); err != nil {
					return err
				}
			}
			return sendErr
		},
	}
	rf.register(cmd)
	return cmd
}

func newEnqueueCmd(a *app) *cobra.Command {
	var rf requestFlags
	var viaAMQP bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Record a message for the next delivery run",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rf.request()
			if viaAMQP {
				return publish(cmd.Context(), a.cfg, req)
			}
			st, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			orch, err := buildOrchestrator(a.cfg, st)
			if err != nil {
				return err
			}
			entry, err := orch.Engine().Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entry)
		},
	}
	rf.register(cmd)
	cmd.Flags().BoolVar(&viaAMQP, "amqp", false, "publish to the AMQP intake queue instead of writing the log directly")
	return cmd
}

func publish(ctx context.Context, cfg config.Config, req models.SendRequest) error {
	if cfg.AMQP.URL == "" {
		return errors.New("--amqp requires AMQP_URL or amqp.url")
	}
	conn, ch, err := queue.Dial(cfg.AMQP.URL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()
	if err := queue.NewPublisher(ch, cfg.AMQP.Queue).Publish(ctx, req); err != nil {
		return err
	}
	slog.Info("Published send request", "queue", cfg.AMQP.Queue, "template", req.TemplateKey)
	return nil
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed [catalog.yaml]",
		Short: "Load server profiles and templates from a YAML catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.cfg.CatalogPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return errors.New("no catalog given: pass a path or set catalog in the config")
			}
			st, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			return seedCatalog(cmd.Context(), st, path)
		},
	}
}

// seedCatalog upserts every profile and template of the catalog at path.
func seedCatalog(ctx context.Context, st store.Store, path string) error {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	for _, p := range cat.Profiles {
		if err := st.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to save profile %s: %w", p.Name, err)
		}
	}
	for _, t := range cat.Templates {
		if err := st.SaveTemplate(ctx, t); err != nil {
			return fmt.Errorf("failed to save template %s: %w", t.Key, err)
		}
	}
	slog.Info("Catalog loaded", "path", path, "profiles", len(cat.Profiles), "templates", len(cat.Templates))
	return nil
}

func newRunsCmd(a *app) *cobra.Command {
	var job string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent delivery runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(a.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if job == "" {
				job = a.cfg.Delivery.JobName
			}
			runs, err := st.ListRuns(cmd.Context(), job, limit)
			if err != nil {
				return err
			}
			if runs == nil {
				runs = []models.JobRun{}
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}
