package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/emitter"
	"github.com/yairfalse/liftsync/internal/mapping"
	"github.com/yairfalse/liftsync/pkg/resource"
)

func newCatalogCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the local bolt catalog",
	}
	cmd.AddCommand(newCatalogListCmd(opts), newCatalogGetCmd(opts))
	return cmd
}

func newCatalogListCmd(opts *globalOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List stored entities of a kind as JSON",
		Example: `  liftsync catalog list --kind stack`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, _, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			k := resource.ParseKind(kind)
			entities, err := cat.List(k)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(entities); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d %s entities (catalog revision %d)\n", cat.Count(k), k, cat.Revision())
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Kind to list")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newCatalogGetCmd(opts *globalOptions) *cobra.Command {
	var kind, blueprint string

	cmd := &cobra.Command{
		Use:   "get <identifier>",
		Short: "Show one stored entity",
		Long: `Show one stored entity. The blueprint defaults to the one in the
kind's mapping file.`,
		Example: `  liftsync catalog get --kind stack my-stack`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, cfg, err := openCatalog(opts)
			if err != nil {
				return err
			}
			defer func() { _ = cat.Close() }()

			k := resource.ParseKind(kind)
			if blueprint == "" {
				blueprint, err = mappedBlueprint(cmd.Context(), cfg.Sync.MappingsDir, k)
				if err != nil {
					return err
				}
			}

			entity, err := cat.Get(k, blueprint, args[0])
			if err != nil {
				return err
			}
			if entity == nil {
				return fmt.Errorf("%s %q not found in blueprint %q", k, args[0], blueprint)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(entity)
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Kind of the entity")
	cmd.Flags().StringVar(&blueprint, "blueprint", "", "Blueprint (defaults to the mapped one)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

// openCatalog opens the bolt catalog named by the config. It needs no
// Spacelift credentials.
func openCatalog(opts *globalOptions) (*emitter.BoltEmitter, *config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := opts.applyLogLevel(cfg.Log.Level); err != nil {
		return nil, nil, err
	}
	if cfg.Catalog.Type != "bolt" {
		return nil, nil, errors.New("catalog inspection requires [catalog] type = \"bolt\"")
	}
	cat, err := emitter.NewBoltEmitter(cfg.Catalog.Path, nil)
	if err != nil {
		return nil, nil, err
	}
	return cat, cfg, nil
}

func mappedBlueprint(ctx context.Context, dir string, kind resource.Kind) (string, error) {
	registry, err := mapping.LoadDir(ctx, dir)
	if err != nil {
		return "", err
	}
	spec, ok := registry.Lookup(kind)
	if !ok {
		return "", fmt.Errorf("no mapping for %s, pass --blueprint", kind)
	}
	return spec.Blueprint, nil
}
