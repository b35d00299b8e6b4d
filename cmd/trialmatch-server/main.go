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
	"text/tabwriter"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/trialmatch/internal/config"
	"github.com/ehr/trialmatch/internal/domain/eligibility"
	"github.com/ehr/trialmatch/internal/platform/auth"
	"github.com/ehr/trialmatch/internal/platform/db"
	"github.com/ehr/trialmatch/internal/platform/metrics"
	"github.com/ehr/trialmatch/internal/platform/middleware"
	"github.com/ehr/trialmatch/internal/platform/validator"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trialmatch-server",
		Short:        "Clinical trial eligibility evaluation service",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(codesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the eligibility API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a criteria file against a FHIR Bundle file",
		RunE: func(cmd *cobra.Command, args []string) error {
			criteriaPath, _ := cmd.Flags().GetString("criteria")
			bundlePath, _ := cmd.Flags().GetString("bundle")
			at, _ := cmd.Flags().GetString("at")
			patientID, _ := cmd.Flags().GetString("patient")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine, err := buildEngine(cfg, nil, nil, zerolog.Nop())
			if err != nil {
				return err
			}
			return runEvaluate(cmd.OutOrStdout(), engine, criteriaPath, bundlePath, patientID, at)
		},
	}
	cmd.Flags().String("criteria", "", "Path to the criteria tree JSON")
	cmd.Flags().String("bundle", "", "Path to a FHIR Bundle with the patient's resources")
	cmd.Flags().String("patient", "", "Patient id; defaults to the Bundle's Patient entry")
	cmd.Flags().String("at", "", "Reference time (RFC 3339); defaults to now")
	_ = cmd.MarkFlagRequired("criteria")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a criteria file without evaluating it",
		RunE: func(cmd *cobra.Command, args []string) error {
			criteriaPath, _ := cmd.Flags().GetString("criteria")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine, err := buildEngine(cfg, nil, nil, zerolog.Nop())
			if err != nil {
				return err
			}
			return runValidate(cmd.OutOrStdout(), engine, criteriaPath)
		},
	}
	cmd.Flags().String("criteria", "", "Path to the criteria tree JSON")
	_ = cmd.MarkFlagRequired("criteria")
	return cmd
}

func codesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codes",
		Short: "List the coding systems and concepts known to the matcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			table, err := codingTable(cfg)
			if err != nil {
				return err
			}
			return printCodes(cmd.OutOrStdout(), table)
		},
	}
}

// codingTable returns the built-in table, extended from CODING_TABLE_PATH
// when set.
func codingTable(cfg *config.Config) (*eligibility.CodingTable, error) {
	if cfg.CodingTablePath == "" {
		return eligibility.DefaultCodingTable(), nil
	}
	return eligibility.LoadCodingTable(cfg.CodingTablePath)
}

func buildEngine(cfg *config.Config, fetcher eligibility.SnapshotFetcher, m *metrics.Metrics, logger zerolog.Logger) (*eligibility.Engine, error) {
	table, err := codingTable(cfg)
	if err != nil {
		return nil, err
	}
	policy, err := eligibility.ParseAbsentDataPolicy(cfg.AbsentDataPolicy)
	if err != nil {
		return nil, err
	}
	return eligibility.NewEngine(fetcher,
		eligibility.WithCodingTable(table),
		eligibility.WithMaxDepth(cfg.MaxCriteriaDepth),
		eligibility.WithAbsentDataPolicy(policy),
		eligibility.WithLogger(logger),
		eligibility.WithMetrics(m),
	), nil
}

func runEvaluate(out io.Writer, engine *eligibility.Engine, criteriaPath, bundlePath, patientID, at string) error {
	criteria, err := os.ReadFile(criteriaPath)
	if err != nil {
		return fmt.Errorf("read criteria: %w", err)
	}
	root, err := eligibility.DecodeCriteria(criteria)
	if err != nil {
		return err
	}
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	snap, err := eligibility.SnapshotFromBundle(bundle, patientID)
	if err != nil {
		return err
	}

	var ref time.Time
	if at != "" {
		if ref, err = time.Parse(time.RFC3339, at); err != nil {
			return fmt.Errorf("invalid --at %q: %w", at, err)
		}
	}
	report, err := engine.EvaluateSnapshot(root, snap, ref)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runValidate(out io.Writer, engine *eligibility.Engine, criteriaPath string) error {
	criteria, err := os.ReadFile(criteriaPath)
	if err != nil {
		return fmt.Errorf("read criteria: %w", err)
	}
	resp, err := eligibility.NewService(engine).Validate(criteria)
	if err != nil {
		return err
	}
	if !resp.Valid {
		fmt.Fprintf(out, "invalid at %s: %s\n", resp.Path, resp.Error)
		return fmt.Errorf("criteria are invalid")
	}
	fmt.Fprintf(out, "valid: %d leaf criteria\n", resp.Leaves)
	return nil
}

func printCodes(out io.Writer, table *eligibility.CodingTable) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tURI")
	for _, s := range table.Systems() {
		fmt.Fprintf(w, "%s\t%s\n", s.Name, s.URI)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "SYSTEM\tCODE\tDISPLAY")
	for _, c := range table.Concepts() {
		fmt.Fprintf(w, "%s\t%s\t%s\n", table.SystemName(c.System), c.Code, c.Display)
	}
	return w.Flush()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	m := metrics.New()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validator.New()

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", m.Handler())

	// Auth middleware
	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}

	apiV1 := e.Group("/api/v1", authMW)
	fhirGroup := e.Group("/fhir", authMW)

	var fetcher eligibility.SnapshotFetcher
	switch cfg.SnapshotSource {
	case config.SourceFHIR:
		fetcher = eligibility.NewFHIRSource(cfg.FHIRBaseURL, nil, cfg.FetchTimeout, m, logger)
		logger.Info().Str("base_url", cfg.FHIRBaseURL).Msg("reading patient data from FHIR server")
	default:
		ctx := context.Background()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		tenant := db.TenantMiddleware(pool, cfg.DefaultTenant)
		apiV1.Use(tenant)
		fhirGroup.Use(tenant)
		e.GET("/health/db", db.PoolHealthHandler(pool))

		fetcher = eligibility.NewPGAssembler(eligibility.NewRecordRepoPG(pool), cfg.FetchTimeout, m, logger)
	}

	// Audit middleware
	audit := middleware.Audit(logger, nil)
	apiV1.Use(audit)
	fhirGroup.Use(audit)

	engine, err := buildEngine(cfg, fetcher, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build eligibility engine")
	}
	eligibility.NewHandler(eligibility.NewService(engine)).RegisterRoutes(apiV1, fhirGroup)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("source", cfg.SnapshotSource).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
