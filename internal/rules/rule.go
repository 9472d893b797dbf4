package rules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"deployhook/internal/security"
)

// DefaultBranch is the branch a rule matches when it does not name one.
const DefaultBranch = "main"

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid deployment rule")

// Rule maps a (repository, branch) pair to a deployment target.
type Rule struct {
	Repo    string `json:"repo"`
	Branch  string `json:"branch,omitempty"`
	Target  string `json:"target"`
	AppName string `json:"app_name,omitempty"`
}

// WithDefaults returns a copy of r with the branch and app name filled in.
func (r Rule) WithDefaults() Rule {
	if r.Branch == "" {
		r.Branch = DefaultBranch
	}
	if r.AppName == "" {
		r.AppName = r.Repo
	}
	return r
}

// Matches reports whether the rule applies to a push on repo/branch.
// Comparison is exact and case-sensitive.
func (r Rule) Matches(repo, branch string) bool {
	ruleBranch := r.Branch
	if ruleBranch == "" {
		ruleBranch = DefaultBranch
	}
	return r.Repo == repo && ruleBranch == branch
}

// String renders the rule for logs and CLI output.
func (r Rule) String() string {
	r = r.WithDefaults()
	return fmt.Sprintf("%s@%s -> %s (%s)", r.Repo, r.Branch, r.Target, r.AppName)
}

// ValidateRule returns every problem found in a single rule, indexed by its
// position in the rules file.
func ValidateRule(index int, r Rule) []string {
	var problems []string

	if err := security.ValidateRepoName(r.Repo); err != nil {
		problems = append(problems, fmt.Sprintf("  - rule[%d]: repo: %v", index, err))
	}

	if r.Branch != "" {
		if err := security.ValidateBranchName(r.Branch); err != nil {
			problems = append(problems, fmt.Sprintf("  - rule[%d]: branch: %v", index, err))
		}
	}

	if r.Target == "" {
		problems = append(problems, fmt.Sprintf("  - rule[%d]: missing required 'target' field", index))
	} else if err := validateArgument(r.Target); err != nil {
		problems = append(problems, fmt.Sprintf("  - rule[%d]: target: %v", index, err))
	}

	if r.AppName != "" {
		if err := validateArgument(r.AppName); err != nil {
			problems = append(problems, fmt.Sprintf("  - rule[%d]: app_name: %v", index, err))
		}
	}

	return problems
}

// validateArgument checks a value that ends up as an argument to the deploy
// command. The command is executed without a shell, so only values the
// command would misread are refused.
func validateArgument(value string) error {
	if strings.TrimSpace(value) != value {
		return fmt.Errorf("cannot have leading or trailing whitespace")
	}
	if strings.HasPrefix(value, "-") {
		return fmt.Errorf("cannot start with '-'")
	}
	if strings.ContainsFunc(value, unicode.IsControl) {
		return fmt.Errorf("cannot contain control characters")
	}
	return nil
}
