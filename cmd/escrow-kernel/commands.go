package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/aule-escrow/internal/skill"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel and refund every job past its deadline, once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.sweep.SweepOnce(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			return err
		},
	}
}

func newSkillCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Validate and run skill definitions",
	}
	cmd.AddCommand(newSkillValidateCmd(), newSkillRunCmd(opts))
	return cmd
}

type skillSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Price   string   `json:"price"`
	Inputs  []string `json:"inputs"`
	Context []string `json:"context_files,omitempty"`
	Steps   int      `json:"steps"`
}

func newSkillValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a skill definition against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := skill.LoadFile(args[0])
			if err != nil {
				return err
			}
			summary := skillSummary{
				ID:      def.ID,
				Name:    def.Name,
				Price:   def.Pricing.Amount.StringFixed(2),
				Inputs:  make([]string, 0, len(def.Inputs)),
				Context: def.ContextFiles,
				Steps:   len(def.Execution),
			}
			for _, in := range def.Inputs {
				summary.Inputs = append(summary.Inputs, in.Name)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
}

func newSkillRunCmd(opts *rootOptions) *cobra.Command {
	var (
		root    string
		inputs  map[string]string
		ctxVars map[string]string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a skill against a directory, rolling back on failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			def, err := skill.LoadFile(args[0])
			if err != nil {
				return err
			}
			values, err := skill.CoerceInputs(def, inputs)
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = cfg.Skill.DefaultTimeout
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			engine := skill.NewEngine(logger, skill.NewBackupArea(cfg.Skill.BackupDir),
				skill.WithMaxForEachItems(cfg.Skill.MaxForEachItems))
			extra := make(map[string]any, len(ctxVars))
			for k, v := range ctxVars {
				extra[k] = v
			}
			res, err := engine.Execute(ctx, def, skill.Request{Root: root, Inputs: values, Context: extra})
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			if err != nil {
				return fmt.Errorf("skill %s failed: %w", def.ID, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "directory the skill may touch")
	cmd.Flags().StringToStringVar(&inputs, "input", nil, "skill input as name=value (repeatable)")
	cmd.Flags().StringToStringVar(&ctxVars, "context", nil, "value exposed as ${context.<name>}, as name=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "abort the run after this long (default: skill.default_timeout)")
	return cmd
}

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the wallet ledger",
	}

	var account, out, from, to string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write an account's transactions to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromDay, err := parseDayFlag("from", from)
			if err != nil {
				return err
			}
			toDay, err := parseDayFlag("to", to)
			if err != nil {
				return err
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			data, err := a.exporter.ExportLedgerXLSX(cmd.Context(), account, fromDay, toDay)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(data))
			return nil
		},
	}
	export.Flags().StringVar(&account, "account", "", "requester or payee id")
	export.Flags().StringVar(&out, "out", "ledger.xlsx", "output file")
	export.Flags().StringVar(&from, "from", "", "first day to include (YYYY-MM-DD)")
	export.Flags().StringVar(&to, "to", "", "last day to include (YYYY-MM-DD)")
	_ = export.MarkFlagRequired("account")

	cmd.AddCommand(export)
	return cmd
}

func parseDayFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: want YYYY-MM-DD, got %q", name, raw)
	}
	return &t, nil
}
