package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"deployhook/internal/rules"
	"deployhook/internal/security"

	"github.com/spf13/cobra"
)

var (
	ruleBranch  string
	ruleTarget  string
	ruleAppName string
	ruleIndex   int
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage deployment rules",
	Long: `Inspect and edit the ordered deployment rules file.

Rules are evaluated in file order and the first match wins. Changes take
effect in a running server after SIGHUP. Editing through these commands
rewrites the file, dropping any comments it contained.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployment rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

var rulesAddCmd = &cobra.Command{
	Use:   "add REPO",
	Short: "Append a deployment rule",
	Example: `  deployhook rules add site --target prod
  deployhook rules add site --branch develop --target staging --app site-staging`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesAdd,
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove REPO",
	Short: "Remove deployment rules for a repository and branch",
	Long: `Remove every rule for REPO on --branch (default main). With --index,
remove only the rule at that position instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runRulesRemove,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the rules file and report rules that can never fire",
	Args:  cobra.NoArgs,
	RunE:  runRulesCheck,
}

func init() {
	rulesAddCmd.Flags().StringVar(&ruleBranch, "branch", rules.DefaultBranch, "Branch to match")
	rulesAddCmd.Flags().StringVar(&ruleTarget, "target", "", "Deployment target passed to the deploy command")
	rulesAddCmd.Flags().StringVar(&ruleAppName, "app", "", "Application name passed to the deploy command (default: REPO)")
	_ = rulesAddCmd.MarkFlagRequired("target")

	rulesRemoveCmd.Flags().StringVar(&ruleBranch, "branch", rules.DefaultBranch, "Branch to match")
	rulesRemoveCmd.Flags().IntVar(&ruleIndex, "index", -1, "Remove only the rule at this position")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesCheckCmd)
}

func loadRules(cmd *cobra.Command) (string, *rules.Set, error) {
	settings, _, err := loadSettings(cmd)
	if err != nil {
		return "", nil, err
	}

	path := rulesPath(settings)
	if err := rules.EnsureFile(path); err != nil {
		return "", nil, err
	}

	set, err := rules.LoadFile(path)
	if err != nil {
		return "", nil, err
	}
	return path, set, nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	path, set, err := loadRules(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rules file: %s\n", path)
	if set.Len() == 0 {
		fmt.Fprintln(out, "No deployment rules configured.")
		return nil
	}
	printRules(out, set.Rules())
	return nil
}

func printRules(out io.Writer, list []rules.Rule) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tREPO\tBRANCH\tTARGET\tAPP")
	for i, r := range list {
		r = r.WithDefaults()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, r.Repo, r.Branch, r.Target, r.AppName)
	}
	tw.Flush()
}

func runRulesAdd(cmd *cobra.Command, args []string) error {
	path, set, err := loadRules(cmd)
	if err != nil {
		return err
	}

	rule := rules.Rule{Repo: args[0], Branch: ruleBranch, Target: ruleTarget, AppName: ruleAppName}
	list := append(set.Rules(), rule)

	if err := rules.SaveFile(path, list); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Added rule[%d]: %s\n", len(list)-1, rule)
	if existing, ok := set.Match(rule.Repo, rule.WithDefaults().Branch); ok {
		fmt.Fprintf(out, "Warning: shadowed by an earlier rule (%s); first match wins\n", existing)
	}
	fmt.Fprintln(out, "Send SIGHUP to a running server to apply.")
	return nil
}

func runRulesRemove(cmd *cobra.Command, args []string) error {
	path, set, err := loadRules(cmd)
	if err != nil {
		return err
	}

	repo := args[0]
	list := set.Rules()
	kept := make([]rules.Rule, 0, len(list))
	var removed []rules.Rule

	for i, r := range list {
		var drop bool
		if ruleIndex >= 0 {
			drop = i == ruleIndex && r.Repo == repo
		} else {
			drop = r.Matches(repo, ruleBranch)
		}
		if drop {
			removed = append(removed, r)
			continue
		}
		kept = append(kept, r)
	}

	if len(removed) == 0 {
		if ruleIndex >= 0 {
			return fmt.Errorf("no rule for %s at index %d", repo, ruleIndex)
		}
		return fmt.Errorf("no rule for %s@%s", repo, ruleBranch)
	}

	if err := rules.SaveFile(path, kept); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, r := range removed {
		fmt.Fprintf(out, "Removed: %s\n", r)
	}
	fmt.Fprintln(out, "Send SIGHUP to a running server to apply.")
	return nil
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	path, set, err := loadRules(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rules file:  %s\n", path)
	fmt.Fprintf(out, "Rules:       %d\n", set.Len())
	fmt.Fprintf(out, "Fingerprint: %s\n", set.Fingerprint())

	if err := security.ValidateSecurePermissions(path); err != nil {
		fmt.Fprintf(out, "Warning: %v\n", err)
	}

	warnings := set.Warnings()
	for _, w := range warnings {
		fmt.Fprintf(out, "Warning: %s\n", w)
	}
	if len(warnings) == 0 {
		fmt.Fprintln(out, "OK")
	}
	return nil
}
