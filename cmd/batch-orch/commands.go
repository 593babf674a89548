package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/batch-orchestrator/internal/batch"
	"github.com/hochfrequenz/batch-orchestrator/internal/config"
	"github.com/hochfrequenz/batch-orchestrator/internal/domain"
	"github.com/hochfrequenz/batch-orchestrator/internal/entitystore"
	"github.com/hochfrequenz/batch-orchestrator/internal/jobs"
	"github.com/hochfrequenz/batch-orchestrator/internal/observer"
	"github.com/hochfrequenz/batch-orchestrator/tui"
	"github.com/hochfrequenz/batch-orchestrator/web/api"
)

var (
	provisionCount    int
	provisionDelay    int
	provisionChannel  string
	provisionURL      string
	provisionPassword string
	joinTargetsFile   string
	joinDelay         int
	useTUI            bool
	accountsStatus    string
	accountsJSON      bool
	exportOut         string
	historyLimit      int
	servePort         int
	configForce       bool
)

func init() {
	// provision command
	provisionCmd := &cobra.Command{
		Use:   "provision",
		Short: "Provision a batch of accounts",
		Args:  cobra.NoArgs,
		RunE:  runProvision,
	}
	provisionCmd.Flags().IntVar(&provisionCount, "count", 0, "number of accounts (default from config)")
	provisionCmd.Flags().IntVar(&provisionDelay, "delay", 0, "seconds between accounts (default from config)")
	provisionCmd.Flags().StringVar(&provisionChannel, "channel", "", "mail channel: 10minutemail, tempmail, guerrillamail, other")
	provisionCmd.Flags().StringVar(&provisionURL, "url", "", "registration URL")
	provisionCmd.Flags().StringVar(&provisionPassword, "password", "", "credential for new accounts")
	provisionCmd.Flags().BoolVar(&useTUI, "tui", false, "show the live dashboard")
	rootCmd.AddCommand(provisionCmd)

	// join command
	joinCmd := &cobra.Command{
		Use:   "join [TARGET...]",
		Short: "Join targets with stored accounts, round-robin",
		RunE:  runJoin,
	}
	joinCmd.Flags().StringVar(&joinTargetsFile, "targets-file", "", "file listing targets (YAML list or one per line)")
	joinCmd.Flags().IntVar(&joinDelay, "delay", 0, "seconds between joins (default from config)")
	joinCmd.Flags().BoolVar(&useTUI, "tui", false, "show the live dashboard")
	rootCmd.AddCommand(joinCmd)

	// accounts commands
	accountsCmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage stored accounts",
	}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE:  runAccountsList,
	}
	listCmd.Flags().StringVar(&accountsStatus, "status", "", "filter by status (active, inactive, banned)")
	listCmd.Flags().BoolVar(&accountsJSON, "json", false, "print JSON")
	removeCmd := &cobra.Command{
		Use:   "remove ID...",
		Short: "Remove accounts by id",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAccountsRemove,
	}
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export accounts with credentials as text",
		Args:  cobra.NoArgs,
		RunE:  runAccountsExport,
	}
	exportCmd.Flags().StringVar(&accountsStatus, "status", "", "filter by status")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "write to file instead of stdout")
	accountsCmd.AddCommand(listCmd, removeCmd, exportCmd)
	rootCmd.AddCommand(accountsCmd)

	// stats command
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show account statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	rootCmd.AddCommand(statsCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show finished runs (sqlite store only)",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with the scheduler and store watcher",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the configured schedules in the foreground",
		Args:  cobra.NoArgs,
		RunE:  runSchedule,
	}
	rootCmd.AddCommand(scheduleCmd)

	// config commands
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE:  runConfigInit,
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
	configCmd.AddCommand(initCmd, showCmd)
	rootCmd.AddCommand(configCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	flags := cmd.Flags()
	count := a.cfg.Provisioning.Count
	if flags.Changed("count") {
		count = provisionCount
	}
	delay := a.cfg.ProvisionDelay()
	if flags.Changed("delay") {
		delay = time.Duration(provisionDelay) * time.Second
	}
	pc := a.cfg.ProvisionConfig()
	if flags.Changed("channel") {
		pc.Channel = provisionChannel
	}
	if flags.Changed("url") {
		pc.RegisterURL = provisionURL
	}
	if flags.Changed("password") {
		pc.Credential = provisionPassword
	}

	return runJob(cmd, a, func(ctx context.Context) (*jobs.Handle, error) {
		return a.orch.StartProvisioning(ctx, count, pc, delay)
	})
}

func runJoin(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	targets := append([]string(nil), args...)
	file := a.cfg.Joining.TargetsFile
	if cmd.Flags().Changed("targets-file") {
		file = config.ExpandPath(joinTargetsFile)
	}
	if file != "" && (len(args) == 0 || cmd.Flags().Changed("targets-file")) {
		fromFile, err := jobs.LoadTargets(file)
		if err != nil {
			return err
		}
		targets = append(targets, fromFile...)
	}

	delay := a.cfg.JoinDelay()
	if cmd.Flags().Changed("delay") {
		delay = time.Duration(joinDelay) * time.Second
	}

	return runJob(cmd, a, func(ctx context.Context) (*jobs.Handle, error) {
		return a.orch.StartJoining(ctx, targets, delay)
	})
}

// runJob starts a job and follows it until it is done. SIGINT asks the job
// to stop after the current item; the summary is printed either way.
func runJob(cmd *cobra.Command, a *app, start func(context.Context) (*jobs.Handle, error)) error {
	out := cmd.OutOrStdout()
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !useTUI {
		a.orch.OnLaunch(func(h *jobs.Handle) {
			printAllocation(out, h.Allocation())
			h.OnProgress(progressPrinter(out, h))
		})
	}

	// a signal must not interrupt the item in flight
	h, err := start(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}

	if useTUI {
		if _, err := tui.Run(h); err != nil {
			return err
		}
		if !h.Finished() {
			_ = h.Stop()
		}
	} else {
		go func() {
			select {
			case <-ctx.Done():
				fmt.Fprintln(out, "Stopping after the current item...")
				_ = h.Stop()
			case <-h.Done():
			}
		}()
	}

	state, _ := h.Wait(context.Background())
	printSummary(out, h.Kind(), state, h.Stats())
	return h.Err()
}

func printAllocation(out io.Writer, plan []jobs.Allocation) {
	if len(plan) == 0 {
		return
	}
	total := 0
	for _, p := range plan {
		total += p.Targets
	}
	fmt.Fprintf(out, "Allocating %d targets over %d accounts:\n", total, len(plan))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range plan {
		fmt.Fprintf(w, "  %s\t%d\n", p.Identifier, p.Targets)
	}
	_ = w.Flush()
}

func progressPrinter(out io.Writer, h *jobs.Handle) batch.ProgressFunc {
	return func(completed, target, succeeded int) {
		log := h.CurrentState().Log
		if len(log) == 0 {
			return
		}
		last := log[len(log)-1]
		mark := "ok  "
		if last.Outcome == domain.OutcomeFailure {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "[%d/%d] %s %s", completed, target, mark, last.Subject)
		if last.Detail != "" {
			fmt.Fprintf(out, " (%s)", last.Detail)
		}
		fmt.Fprintln(out)
	}
}

var jobNames = map[domain.JobKind]string{
	domain.JobProvision: "Provisioning",
	domain.JobJoin:      "Joining",
}

func printSummary(out io.Writer, kind domain.JobKind, state domain.RunState, st entitystore.Stats) {
	fmt.Fprintf(out, "\n%s %s in %s\n", jobNames[kind], state.Summary(), state.Duration().Round(time.Millisecond))
	fmt.Fprintf(out, "Accounts: %d total, %d active, %d created today\n", st.Total, st.Active, st.Today)
}

type accountRow struct {
	ID          string              `json:"id"`
	Identifier  string              `json:"identifier"`
	Status      domain.EntityStatus `json:"status"`
	SourceLabel string              `json:"source_label,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	LastUsedAt  *time.Time          `json:"last_used_at,omitempty"`
}

func filterAccounts(store *entitystore.Store, status string) ([]*domain.Entity, error) {
	if status == "" {
		return store.All(), nil
	}
	s := domain.EntityStatus(status)
	if !s.Valid() {
		return nil, errors.WithHint(errors.Newf("unknown status %q", status), "use active, inactive or banned")
	}
	return store.Filter(entitystore.ByStatus(s)), nil
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := filterAccounts(a.store, accountsStatus)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if accountsJSON {
		rows := make([]accountRow, 0, len(entities))
		for _, e := range entities {
			rows = append(rows, accountRow{
				ID:          e.ID,
				Identifier:  e.Identifier,
				Status:      e.Status,
				SourceLabel: e.SourceLabel,
				CreatedAt:   e.CreatedAt,
				LastUsedAt:  e.LastUsedAt,
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(entities) == 0 {
		fmt.Fprintln(out, "No accounts.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIDENTIFIER\tSTATUS\tSOURCE\tCREATED\tLAST USED")
	for _, e := range entities {
		lastUsed := "never"
		if e.LastUsedAt != nil {
			lastUsed = humanize.Time(*e.LastUsedAt)
		}
		source := e.SourceLabel
		if source == "" {
			source = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Identifier, e.Status, source, humanize.Time(e.CreatedAt), lastUsed)
	}
	return w.Flush()
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n := a.store.Remove(args...)
	if n == 0 {
		return errors.Wrap(entitystore.ErrNotFound, "none of the given ids exist")
	}
	if err := a.store.SaveAll(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d of %d accounts.\n", n, len(args))
	return nil
}

func runAccountsExport(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	entities, err := filterAccounts(a.store, accountsStatus)
	if err != nil {
		return err
	}
	text := entitystore.ExportText(entities)

	if exportOut == "" {
		_, err := io.WriteString(cmd.OutOrStdout(), text)
		return err
	}
	if err := os.WriteFile(config.ExpandPath(exportOut), []byte(text), 0600); err != nil {
		return errors.Wrap(err, "write export")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d accounts to %s\n", len(entities), exportOut)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	st := a.store.Stats(time.Now())
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Total:\t%d\n", st.Total)
	fmt.Fprintf(w, "Active:\t%d\n", st.Active)
	fmt.Fprintf(w, "Inactive:\t%d\n", st.Inactive)
	fmt.Fprintf(w, "Banned:\t%d\n", st.Banned)
	fmt.Fprintf(w, "Created today:\t%d\n", st.Today)
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	rec, ok := a.store.History()
	if !ok {
		return errors.WithHint(
			errors.Newf("the %s store does not keep run history", a.cfg.General.StoreBackend),
			`set store_backend = "sqlite" in the [general] section`)
	}
	runs, err := rec.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tKIND\tPHASE\tDONE\tOK\tFAILED\tRATE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d%%\n",
			humanize.Time(r.FinishedAt), r.Kind, r.Phase, r.Completed, r.Target, r.Succeeded, r.Failed, r.SuccessRate())
	}
	return w.Flush()
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	port := a.cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Web.Host, port)

	server := api.NewServer(context.WithoutCancel(ctx), a.orch, api.Options{
		Addr:           addr,
		Provision:      a.cfg.ProvisionConfig(),
		ProvisionCount: a.cfg.Provisioning.Count,
		ProvisionDelay: a.cfg.ProvisionDelay(),
		JoinDelay:      a.cfg.JoinDelay(),
		Logger:         a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})

	if len(a.cfg.Schedules) > 0 {
		sched, err := batch.NewScheduler(a.cfg.Schedules, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Run(gctx, a.startSchedule)
		})
	}

	if a.cfg.General.StoreBackend != entitystore.BackendMemory {
		watcher, err := observer.NewStoreWatcher(a.cfg.StorePath(), a.reloadStore, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving API at http://%s\n", addr)
	err = g.Wait()
	a.drain()
	return err
}

func runSchedule(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(a.cfg.Schedules) == 0 {
		return errors.WithHint(errors.New("no schedules configured"),
			"add [[schedule]] entries with name, cron and kind to the config file")
	}
	sched, err := batch.NewScheduler(a.cfg.Schedules, a.logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCHEDULE\tKIND\tCRON\tNEXT RUN")
	for _, name := range sched.Names() {
		sc, _ := sched.Get(name)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, sc.Kind, sc.Cron, humanize.Time(sched.NextRun(name)))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// jobs started by the scheduler must survive until drained below
	err = sched.Run(ctx, func(_ context.Context, sc batch.Schedule) error {
		return a.startSchedule(context.WithoutCancel(ctx), sc)
	})
	a.drain()
	return err
}

// drain stops a running job and waits for its results to be saved
func (a *app) drain() {
	h := a.orch.Current()
	if h == nil || h.Finished() {
		return
	}
	a.logger.Info("stopping the running job before exit", zap.String("kind", string(h.Kind())))
	_ = h.Stop()
	_, _ = h.Wait(context.Background())
}

// reloadStore picks up edits made by other processes. While a job runs the
// in-memory collection wins and is written back when the job ends; an edit
// that does not load is ignored.
func (a *app) reloadStore(path string) {
	err := a.orch.ReloadStore(context.Background())
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning):
		a.logger.Debug("store changed during a run, keeping in-memory state", zap.String("path", path))
	case err != nil:
		a.logger.Warn("store edit ignored, keeping in-memory accounts", zap.String("path", path), zap.Error(err))
	default:
		a.logger.Info("store reloaded", zap.Int("accounts", a.store.Len()))
	}
}

func configFilePath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFilePath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite it")
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
