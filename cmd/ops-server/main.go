package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/hospital/ops/internal/config"
	"github.com/hospital/ops/internal/domain/allocation"
	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/internal/platform/db"
	"github.com/hospital/ops/internal/platform/middleware"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ops-server",
		Short:         "Hospital bed, staff and equipment allocation engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(recountCmd())
	root.AddCommand(checkCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the allocation API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres store only)",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != config.DriverPostgres {
				return fmt.Errorf("migrations apply to the %q store only; STORE_DRIVER is %q", config.DriverPostgres, cfg.StoreDriver)
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, db.NewMigrator(pool, dir))
		}
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			count, err := m.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		}),
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default: built-in migrations)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatuses(os.Stdout, statuses)
			return nil
		}),
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default: built-in migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create beds, staff and equipment from a YAML fixture",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := seedFromFile(cmd.Context(), a.repo, path)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().String("file", "", "YAML fixture listing beds, staff and equipment")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seedFromFile(ctx context.Context, repo records.Repository, path string) (records.SeedSummary, error) {
	f, err := os.Open(path)
	if err != nil {
		return records.SeedSummary{}, fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	fixture, err := records.DecodeFixture(f)
	if err != nil {
		return records.SeedSummary{}, err
	}
	return records.Seed(ctx, repo, fixture)
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile a JSON array of patient payloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := reconcileFile(cmd.Context(), a.svc, path)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().String("file", "", "JSON file holding an array of patient payloads")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func reconcileFile(ctx context.Context, svc *allocation.Service, path string) (allocation.BatchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return allocation.BatchResult{}, fmt.Errorf("open payloads: %w", err)
	}
	defer f.Close()

	var payloads []allocation.PatientPayload
	if err := json.NewDecoder(f).Decode(&payloads); err != nil {
		return allocation.BatchResult{}, fmt.Errorf("decode payloads: %w", err)
	}
	return svc.ReconcileBatch(ctx, payloads)
}

func recountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recount",
		Short: "Recompute staff patientsAssigned from patient links",
		RunE: func(cmd *cobra.Command, args []string) error {
			apply, _ := cmd.Flags().GetBool("apply")
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			drift, err := a.svc.RecountStaffLoad(cmd.Context(), apply)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"applied": apply, "drift": drift})
		},
	}
	cmd.Flags().Bool("apply", false, "Write corrected counters instead of only reporting drift")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report bed/patient link and staff counter inconsistencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.svc.CheckConsistency(cmd.Context())
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if !rep.Consistent() {
				return fmt.Errorf("store is inconsistent")
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newServer builds the echo instance with every route mounted.
func newServer(a *app) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "16M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(a.repo, a.cfg.StoreDriver, a.pool))
	if a.metrics != nil {
		e.GET("/metrics", a.metrics.Handler())
	}

	apiV1 := e.Group("/api/v1")
	allocation.NewHandler(a.svc, a.repo).RegisterRoutes(apiV1)
	return e
}

func runServer() error {
	ctx := context.Background()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if rep, err := a.svc.CheckConsistency(ctx); err != nil {
		logger.Warn().Err(err).Msg("startup consistency check failed")
	} else if !rep.Consistent() {
		logger.Warn().
			Int("bed_violations", len(rep.BedViolations)).
			Int("staff_drift", len(rep.StaffDrift)).
			Int("equipment_faults", len(rep.EquipmentFaults)).
			Msg("store is inconsistent; run recount or inspect /api/v1/consistency")
	}

	e := newServer(a)

	// Graceful shutdown
	go func() {
		addr := ":" + a.cfg.Port
		logger.Info().Str("addr", addr).Str("store", a.cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
