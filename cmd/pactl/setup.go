package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/coverage"
	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres"
	"github.com/drfirst/go-priorauth/internal/infrastructure/redpanda"
)

func connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("database.url is not set")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	return pool, nil
}

func schemaCMD(load loader) *cobra.Command {
	var withPolicies bool
	var schema = &cobra.Command{
		Use:   "schema",
		Short: "Create the service tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			pool, err := connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			dims := 0
			if withPolicies || cfg.Policy.Backend == "pgvector" {
				dims = cfg.LLM.EmbeddingDims
			}
			if err := postgres.EnsureSchema(ctx, pool, dims); err != nil {
				return err
			}
			logger.Info("schema applied", zap.Int("embedding_dims", dims))
			return nil
		},
	}
	schema.Flags().BoolVar(&withPolicies, "policies", false, "also create the pgvector policy table")
	return schema
}

func topicsCMD(load loader) *cobra.Command {
	var replicas int16
	topics := &cobra.Command{
		Use:   "topics",
		Short: "Create the Redpanda topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.EnsureTopics(cmd.Context(), redpanda.DefaultTopicConfigs(), replicas)
			if err != nil {
				return err
			}
			names, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			isNew := make(map[string]bool, len(created))
			for _, t := range created {
				isNew[t] = true
			}
			for _, t := range names {
				mark := ""
				if isNew[t] {
					mark = "\tcreated"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", t, mark)
			}
			return nil
		},
	}
	topics.Flags().Int16Var(&replicas, "replicas", 1, "replication factor for new topics")
	return topics
}

func lagCMD(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "lag",
		Short: "Show the worker consumer group lag per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if err := redpanda.HealthCheck(cmd.Context(), cfg.Kafka.Brokers); err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			lag, err := admin.ConsumerGroupLag(cmd.Context(), cfg.Kafka.GroupID)
			if err != nil {
				return err
			}
			topics := make([]string, 0, len(lag))
			for t := range lag {
				topics = append(topics, t)
			}
			sort.Strings(topics)
			for _, t := range topics {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", t, lag[t])
			}
			return nil
		},
	}
}

func indexCMD(load loader) *cobra.Command {
	var dir string
	var index = &cobra.Command{
		Use:   "index",
		Short: "Embed policy documents into the pgvector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.Policy.Backend != "pgvector" {
				return errors.New("policy.backend must be pgvector; the memory index is built at startup")
			}
			if dir == "" {
				dir = cfg.ReferenceData.PolicyDir
			}

			a, err := app.Build(cmd.Context(), cfg, logger, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := app.IndexDirectory(cmd.Context(), a.Index, dir)
			if err != nil {
				return err
			}
			logger.Info("policies indexed", zap.String("dir", dir), zap.Int("chunks", n))
			return nil
		},
	}
	index.Flags().StringVar(&dir, "dir", "", "policy directory (default reference_data.policy_dir)")
	return index
}

func formularyCMD(load loader) *cobra.Command {
	var path string
	var formulary = &cobra.Command{
		Use:   "formulary",
		Short: "Load a formulary file into Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.ReferenceData.FormularyPath
			}
			table, err := coverage.LoadTable(path)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := connect(ctx, cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.EnsureSchema(ctx, pool, 0); err != nil {
				return err
			}

			if err := coverage.NewPostgresStore(pool).Upsert(ctx, table.All()); err != nil {
				return err
			}
			logger.Info("formulary loaded", zap.String("path", path), zap.Int("rules", len(table.All())))
			return nil
		},
	}
	formulary.Flags().StringVar(&path, "file", "", "formulary YAML (default reference_data.formulary_path)")
	return formulary
}
