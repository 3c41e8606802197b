package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wolfman30/carepath-scheduler/internal/app/bootstrap"
	appconfig "github.com/wolfman30/carepath-scheduler/internal/config"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

// ruleAdmin manages stage rule-set versions. *stage.Store implements it.
type ruleAdmin interface {
	CreateDraft(ctx context.Context, rules []stage.Rule) (*stage.RuleSet, error)
	Publish(ctx context.Context, version int) error
	Published(ctx context.Context) (*stage.RuleSet, error)
}

type rulesSetupFunc func(ctx context.Context) (ruleAdmin, func(), error)

func setupRules(ctx context.Context) (ruleAdmin, func(), error) {
	cfg := appconfig.Load()
	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return stage.NewStore(pool), pool.Close, nil
}

func rulesCmd(setup rulesSetupFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage stage transition rule sets",
	}

	withAdmin := func(run func(cmd *cobra.Command, admin ruleAdmin, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			admin, cleanup, err := setup(cmd.Context())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "setup failed: %v\n", err)
				return &exitError{code: exitSetupFailed, err: err}
			}
			if cleanup != nil {
				defer cleanup()
			}
			if err := run(cmd, admin, args); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &exitError{code: exitJobFailed, err: err}
			}
			return nil
		}
	}

	draft := &cobra.Command{
		Use:   "draft <file.json|->",
		Short: "Store a JSON list of rules as a new draft version",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, admin ruleAdmin, args []string) error {
			rules, err := readRules(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			set, err := admin.CreateDraft(cmd.Context(), rules)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "draft version=%d rules=%d\n", set.Version, len(set.Rules))
			return nil
		}),
	}

	publish := &cobra.Command{
		Use:   "publish <version>",
		Short: "Publish a draft version, retiring the current one",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, admin ruleAdmin, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil || version < 1 {
				return fmt.Errorf("invalid version %q", args[0])
			}
			if err := admin.Publish(cmd.Context(), version); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published version=%d\n", version)
			return nil
		}),
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the published rule set as JSON",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, admin ruleAdmin, _ []string) error {
			set, err := admin.Published(cmd.Context())
			if err != nil {
				return err
			}
			if set == nil {
				return errors.New("no published rule set")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(set)
		}),
	}

	cmd.AddCommand(draft, publish, show)
	return cmd
}

// readRules decodes rules from path, or from stdin when path is "-".
func readRules(path string, stdin io.Reader) ([]stage.Rule, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rules: %w", err)
		}
		defer f.Close()
		r = f
	}
	var rules []stage.Rule
	if err := json.NewDecoder(r).Decode(&rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, errors.New("rule list is empty")
	}
	for _, rule := range rules {
		if rule.Key == "" {
			return nil, errors.New("every rule needs a key")
		}
	}
	return rules, nil
}
