package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MustafaEmreBiyik/DentistryProject/internal/handler"
	appI18n "github.com/MustafaEmreBiyik/DentistryProject/internal/i18n"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/llm"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/model"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/pipeline"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/scenario"
	"github.com/MustafaEmreBiyik/DentistryProject/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dentsim",
		Short: "Clinical case simulator for dental students",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `dentsim --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP simulation server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "dentsim.db", "SQLite database path")
	f.StringSliceP("cases", "c", []string{"cases/oral_pathology_tr.json"}, "Paths to case JSON files (repeatable)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL for the interpreter")
	f.String("llm-key", "ollama", "API key for the interpreter endpoint")
	f.String("llm-model", "llama3.2", "Interpreter model name")
	f.String("clinical-url", "", "OpenAI-compatible API base URL for the clinical evaluator (defaults to llm-url)")
	f.String("clinical-key", "", "API key for the clinical evaluator (defaults to llm-key)")
	f.String("clinical-model", "medgemma", "Clinical evaluator model name")
	f.Bool("clinical-enabled", true, "Run the secondary clinical evaluator")
	f.Duration("clinical-timeout", 30*time.Second, "Per-turn time budget for the clinical evaluator")
	f.Bool("patient-mode", true, "Assistant replies roleplay the patient")
	f.StringP("lang", "l", "tr", "Language for student-facing messages (en, tr)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "dentsim.db", "SQLite database path")
	f.String("study-id", "", "Study identifier for output (required)")
	f.String("cohort", "", "Student cohort name for output")
	f.String("date", "", "Study date in YYYY-MM-DD format (defaults to today)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")

	_ = cmd.MarkFlagRequired("study-id")

	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("DENTSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("dentsim")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/dentsim")
	v.AddConfigPath("/etc/dentsim")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	library, err := scenario.Load(v.GetStringSlice("cases"))
	if err != nil {
		return fmt.Errorf("load cases: %w", err)
	}
	slog.Info("loaded cases", "count", len(library.List()), "default", library.DefaultCaseID())

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	interpClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
	)
	if err := interpClient.Ping(context.Background()); err != nil {
		return fmt.Errorf("interpreter health check: %w", err)
	}
	slog.Info("interpreter endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))

	// The clinical evaluator can run on a separate endpoint; it shares
	// the interpreter's when not configured. Its health is not checked
	// at startup: a dead evaluator degrades turns, it does not block them.
	clinicalURL := v.GetString("clinical-url")
	if clinicalURL == "" {
		clinicalURL = v.GetString("llm-url")
	}
	clinicalKey := v.GetString("clinical-key")
	if clinicalKey == "" {
		clinicalKey = v.GetString("llm-key")
	}
	clinicalClient := llm.New(clinicalURL, clinicalKey, v.GetString("clinical-model"))

	cfg := model.PipelineConfig{
		Lang:            lang,
		PatientMode:     v.GetBool("patient-mode"),
		ClinicalEnabled: v.GetBool("clinical-enabled"),
		ClinicalTimeout: v.GetDuration("clinical-timeout"),
	}

	p := pipeline.New(db, library, interpClient, clinicalClient, interpClient, cfg)
	h := handler.New(db, library, p, cfg)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"interpreter", v.GetString("llm-model"),
		"clinical_model", v.GetString("clinical-model"),
		"clinical_enabled", cfg.ClinicalEnabled,
		"patient_mode", cfg.PatientMode,
		"lang", lang,
	)
	return http.ListenAndServe(addr, r)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAllSessions()
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	date := v.GetString("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}

	export := model.StudyExport{
		StudyID:  v.GetString("study-id"),
		Cohort:   v.GetString("cohort"),
		Date:     date,
		Sessions: results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
