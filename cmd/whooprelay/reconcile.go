package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/reconcile"
)

func newReconcileCmd(cfgFile *string) *cobra.Command {
	var resources []string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep the data API once and apply anything the mirror is missing",
		Long: `reconcile runs a single sweep for every active user and exits. The
per-user cursors it advances are shared with the serve command, so run it
against the same storage.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected := make([]dataapi.Resource, 0, len(resources))
			for _, raw := range resources {
				r, err := dataapi.ParseResource(raw)
				if err != nil {
					return err
				}
				selected = append(selected, r)
			}

			cfg, logger, err := loadConfig(*cfgFile)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(selected) == 0 {
				selected = a.scheduler.Resources()
			}
			results := make([]reconcile.SweepResult, 0, len(selected))
			var failed int
			for _, r := range selected {
				res, err := a.scheduler.SweepResource(cmd.Context(), r)
				switch {
				case err != nil:
					logger.WithError(err).WithField("resource", r).Error("sweep failed")
					failed++
				case res.Failed > 0:
					failed++
				}
				results = append(results, res)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sweeps failed", failed, len(selected))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "resource types to sweep (recovery, sleep, workout); default all")
	return cmd
}
