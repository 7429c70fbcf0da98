package cli

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/di"
	"github.com/jrjohn/harbor-go/pkg/odm"
	"github.com/jrjohn/harbor-go/pkg/odm/schemafile"
)

func newPingCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured database answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			skipSchemas := func(cfg *config.Config) {
				cfg.ODM.SchemaDir = ""
				cfg.ODM.AutoIndex = false
			}
			return r.withConnection(cmd.Context(), skipSchemas, func(ctx context.Context, conn *odm.Connection, _ *zap.Logger) error {
				if !conn.Ping(ctx) {
					return fmt.Errorf("database %s did not answer", conn.Name())
				}
				printf(cmd.OutOrStdout(), okColor, "connected")
				fmt.Fprintf(cmd.OutOrStdout(), " to %s:%d/%s\n", conn.Host(), conn.Port(), conn.Name())
				return nil
			})
		},
	}
}

func newCollectionsCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "collections",
		Short: "List the collections of the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			noIndexes := func(cfg *config.Config) { cfg.ODM.AutoIndex = false }
			return r.withConnection(cmd.Context(), noIndexes, func(ctx context.Context, conn *odm.Connection, _ *zap.Logger) error {
				names, err := conn.ListCollections(ctx)
				if err != nil {
					return err
				}
				sort.Strings(names)

				modelled := make(map[string]string)
				for _, m := range conn.Registry().Models() {
					modelled[m.CollectionName()] = m.Name()
				}
				out := cmd.OutOrStdout()
				for _, name := range names {
					fmt.Fprint(out, name)
					if model, ok := modelled[name]; ok {
						printf(out, dimColor, "  (%s)", model)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
}

func newModelsCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "models [dir]",
		Short: "List the models declared by schema files",
		Long:  "List the models declared by the schema files in dir, or in odm.schema_dir. No database connection is made.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := r.schemaDir(args)
			if err != nil {
				return err
			}
			files, err := schemafile.LoadDir(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, f := range files {
				s, err := f.Schema()
				if err != nil {
					return fmt.Errorf("%s: %w", f.Path, err)
				}
				collection := s.Options().Collection
				if collection == "" {
					collection = odm.CollectionName(f.Model)
				}
				printf(out, okColor, "%s", f.Model)
				fmt.Fprintf(out, " -> %s\n", collection)
				fmt.Fprintf(out, "  paths:   %s\n", strings.Join(s.Paths(), ", "))
				var indexes []string
				for _, idx := range s.IndexModels() {
					indexes = append(indexes, idx.IndexName())
				}
				if len(indexes) > 0 {
					fmt.Fprintf(out, "  indexes: %s\n", strings.Join(indexes, ", "))
				}
			}
			return nil
		},
	}
}

func (r *runner) schemaDir(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := r.loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.ODM.SchemaDir == "" {
		return "", fmt.Errorf("no schema directory: pass one or set odm.schema_dir")
	}
	return cfg.ODM.SchemaDir, nil
}

func newIndexesCmd(r *runner) *cobra.Command {
	indexes := &cobra.Command{
		Use:   "indexes",
		Short: "Manage the indexes of registered models",
	}
	indexes.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Create declared indexes and drop stale ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Startup sync is disabled so the report below sees every change.
			manual := func(cfg *config.Config) { cfg.ODM.AutoIndex = false }
			return r.withConnection(cmd.Context(), manual, func(ctx context.Context, conn *odm.Connection, logger *zap.Logger) error {
				reports, err := di.SyncIndexes(ctx, conn, logger)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(reports) == 0 {
					printf(out, warnColor, "no models with auto indexing\n")
					return nil
				}
				for _, rep := range reports {
					fmt.Fprintf(out, "%s (%s)\n", rep.Model, rep.Collection)
					for _, name := range rep.Created {
						printf(out, okColor, "  + %s\n", name)
					}
					for _, name := range rep.Dropped {
						printf(out, errColor, "  - %s\n", name)
					}
				}
				return nil
			})
		},
	})
	return indexes
}

func newValidateCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <schema-file> <document.json>",
		Short: "Validate an Extended JSON document against a schema file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := schemafile.Load(args[0])
			if err != nil {
				return err
			}
			s, err := f.Schema()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var doc bson.M
			if err := bson.UnmarshalExtJSON(data, false, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}

			res := s.Validate(cmd.Context(), doc)
			out := cmd.OutOrStdout()
			if res.Valid {
				printf(out, okColor, "valid")
				fmt.Fprintf(out, " %s\n", f.Model)
				return nil
			}
			for _, fe := range res.Errors {
				printf(out, errColor, "%s", fe.Path)
				fmt.Fprintf(out, ": %s (%s)\n", fe.Message, fe.Code)
			}
			return fmt.Errorf("%d validation error(s)", len(res.Errors))
		},
	}
}
