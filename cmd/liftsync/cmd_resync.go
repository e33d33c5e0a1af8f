package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/liftsync/internal/orchestrator"
	"github.com/yairfalse/liftsync/pkg/resource"
)

func newResyncCmd(opts *globalOptions) *cobra.Command {
	var (
		kinds []string
		id    string
	)

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Resync kinds into the catalog once",
		Long: `Fetch every record of the given kinds, map them and upsert the
entities into the catalog. Without --kind every configured kind is
resynced concurrently. Results are written to stdout as JSON.`,
		Example: `  liftsync resync                           # All configured kinds
  liftsync resync --kind stack --kind space
  liftsync resync --kind deployment --id 01HXYZ   # A single run
  liftsync resync --kind contexts                 # Generic kind`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			parsed := make([]resource.Kind, 0, len(kinds))
			for _, k := range kinds {
				parsed = append(parsed, resource.ParseKind(k))
			}
			if id != "" && (len(parsed) != 1 || parsed[0] != resource.KindDeployment) {
				return fmt.Errorf("--id requires --kind %s", resource.KindDeployment)
			}

			results, err := runResync(ctx, opts, parsed, id)
			if err != nil {
				return err
			}
			if err := writeResults(cmd, results); err != nil {
				return err
			}
			return failedResults(results)
		},
	}

	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "Kind to resync (repeatable)")
	cmd.Flags().StringVar(&id, "id", "", "Resync a single deployment by run id")
	return cmd
}

func runResync(ctx context.Context, opts *globalOptions, kinds []resource.Kind, id string) ([]*orchestrator.Result, error) {
	a, err := newApp(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			a.logger.LogOperationError(shutdownCtx, "shutdown", err)
		}
	}()

	if id != "" {
		// errors are carried on the result
		res, _ := a.orchestrator.Resync(ctx, resource.KindDeployment, resource.IDFilter(id))
		return []*orchestrator.Result{res}, nil
	}
	if len(kinds) == 0 {
		kinds = a.cfg.SyncKinds()
	}
	return a.orchestrator.ResyncAll(ctx, kinds), nil
}

func writeResults(cmd *cobra.Command, results []*orchestrator.Result) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return nil
}

func failedResults(results []*orchestrator.Result) error {
	failed := 0
	for _, res := range results {
		if res.State == orchestrator.StateFailed || (res.State == orchestrator.StateAborted && res.Error != "") {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d resyncs failed", failed, len(results))
	}
	return nil
}
