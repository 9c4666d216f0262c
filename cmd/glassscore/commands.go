// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/glassscore/pkg/logging"
	"github.com/AleutianAI/glassscore/services/evaluator"
	"github.com/AleutianAI/glassscore/services/evaluator/config"
)

// --- Global Command Variables ---
var (
	configPath string
	port       int
	llmBackend string

	rootCmd = &cobra.Command{
		Use:   "glassscore",
		Short: "Streaming, explainable credit evaluation",
		Long: `GlassScore evaluates loan applicants session by session and streams
every piece of evidence behind the score as it is produced.`,
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation HTTP service",
		RunE:  runServe,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE:  runPrintConfig,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML config file. Environment variables override it.")

	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&port, "port", 0, "Override the listen port")
	serveCmd.Flags().StringVar(&llmBackend, "llm-backend", "",
		"Override the LLM backend (openai, ollama, anthropic, local, none)")

	rootCmd.AddCommand(configCmd)
}

// loadConfig applies file, environment and flag layers, then validates.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		cfg.Server.Port = port
	}
	if f := cmd.Flags().Lookup("llm-backend"); f != nil && f.Changed {
		cfg.LLM.Backend = llmBackend
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Observability.ServiceName,
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	slog.Info("Starting GlassScore",
		"port", cfg.Server.Port,
		"llm_backend", cfg.LLM.Backend,
		"web_verification", cfg.Search.APIKey != "",
		"archive_path", cfg.Archive.Path,
	)

	svc, err := evaluator.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func runPrintConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := cfg.Redacted().YAML()
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
