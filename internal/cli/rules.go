package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tripwire/watchtower/internal/audit"
	"github.com/tripwire/watchtower/internal/config"
	"github.com/tripwire/watchtower/internal/learner"
	"github.com/tripwire/watchtower/internal/logging"
	"github.com/tripwire/watchtower/internal/rules"
)

// errLearningDisabled is returned when no LLM API key is configured.
var errLearningDisabled = fmt.Errorf("rule learning requires llm.api_key or $%s", config.APIKeyEnv)

// generatorFactory builds the text-completion collaborator for rule learning.
// Tests replace it.
var generatorFactory = func(ctx context.Context, cfg *config.Config) (learner.Generator, error) {
	if !cfg.LearningEnabled() {
		return nil, errLearningDisabled
	}
	return learner.NewGeminiGenerator(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
}

func (a *app) newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage detection rules",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored rules",
			Args:  cobra.NoArgs,
			RunE:  a.runRulesList,
		},
		&cobra.Command{
			Use:   "learn <description>",
			Short: "Create a rule from a plain-language description",
			Args:  cobra.MinimumNArgs(1),
			RunE:  a.runRulesLearn,
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a rule by id",
			Args:  cobra.ExactArgs(1),
			RunE:  a.runRulesDelete,
		},
	)
	return cmd
}

// openStore loads the configuration and opens the audit store it names.
func (a *app) openStore(cmd *cobra.Command) (*config.Config, *audit.Store, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := audit.Open(cfg.DataDir, logging.NewWriter(cmd.ErrOrStderr(), cfg.LogLevel))
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func (a *app) runRulesList(cmd *cobra.Command, _ []string) error {
	_, store, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	rs := store.ReadRules()
	if a.jsonOutput {
		if rs == nil {
			rs = []rules.Rule{}
		}
		return outputJSON(cmd.OutOrStdout(), rs)
	}
	if len(rs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No rules.")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tEVENT\tPATTERN\tTHRESHOLD\tCONFIDENCE")
	for _, r := range rs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f\n",
			r.ID, r.Name, r.Event, r.FilePattern, formatThreshold(r.Threshold), r.Confidence)
	}
	return tw.Flush()
}

func (a *app) runRulesLearn(cmd *cobra.Command, args []string) error {
	cfg, store, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := generatorFactory(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	logger := logging.NewWriter(cmd.ErrOrStderr(), cfg.LogLevel)
	l := learner.New(gen, logger, learner.WithTimeout(cfg.LLM.Timeout))

	rule, err := l.Learn(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		if errors.Is(err, learner.ErrInvalidRule) {
			return fmt.Errorf("could not turn that description into a rule: %w", err)
		}
		return err
	}
	if err := store.AddRule(rule); err != nil {
		return err
	}

	if a.jsonOutput {
		return outputJSON(cmd.OutOrStdout(), rule)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created rule %s (%s)\n", rule.ID, rule.Name)
	fmt.Fprintf(cmd.OutOrStdout(), "  event:     %s\n", rule.Event)
	fmt.Fprintf(cmd.OutOrStdout(), "  pattern:   %s\n", rule.FilePattern)
	fmt.Fprintf(cmd.OutOrStdout(), "  threshold: %s\n", formatThreshold(rule.Threshold))
	return nil
}

func (a *app) runRulesDelete(cmd *cobra.Command, args []string) error {
	_, store, err := a.openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	id := args[0]
	if err := store.DeleteRule(id); err != nil {
		if errors.Is(err, audit.ErrRuleNotFound) {
			return fmt.Errorf("no rule with id %q", id)
		}
		return err
	}

	if a.jsonOutput {
		return outputJSON(cmd.OutOrStdout(), map[string]string{"deleted": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted rule %s\n", id)
	return nil
}

func formatThreshold(t *rules.Threshold) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%d in %s", t.Count, time.Duration(t.WithinMinutes)*time.Minute)
}
