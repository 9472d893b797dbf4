package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"deployhook/internal/security"
	"deployhook/pkg/fileutil"

	"github.com/tidwall/jsonc"
)

// DefaultFile is where the rules live when no path is configured.
const DefaultFile = "~/.deployhook/deployments.json"

// Parse decodes an ordered JSON array of rules. Line and block comments and
// trailing commas are tolerated. An empty document is an empty rule list.
func Parse(data []byte) ([]Rule, error) {
	stripped := jsonc.ToJSON(data)
	if len(bytes.TrimSpace(stripped)) == 0 {
		return []Rule{}, nil
	}

	var list []Rule
	if err := json.Unmarshal(stripped, &list); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if list == nil {
		list = []Rule{}
	}

	var problems []string
	for i, r := range list {
		problems = append(problems, ValidateRule(i, r)...)
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w:\n%s", ErrInvalidRule, strings.Join(problems, "\n"))
	}

	return list, nil
}

// EnsureFile creates an empty rules file (and its directory) if none exists.
func EnsureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to stat rules file: %w", err)
	}

	if err := security.CreateSecureDir(filepath.Dir(path), security.PermDirectory); err != nil {
		return err
	}

	if err := fileutil.WriteFileAtomic(path, []byte("[]\n"), security.PermConfigFile); err != nil {
		return fmt.Errorf("failed to create rules file: %w", err)
	}

	return nil
}

// LoadFile reads and validates the rules file into an immutable snapshot.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	list, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return NewSet(list), nil
}

// SaveFile writes rules back to path atomically, preserving order. Comments
// in the original file are not preserved.
func SaveFile(path string, list []Rule) error {
	var problems []string
	for i, r := range list {
		problems = append(problems, ValidateRule(i, r)...)
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w:\n%s", ErrInvalidRule, strings.Join(problems, "\n"))
	}

	if list == nil {
		list = []Rule{}
	}

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	data = append(data, '\n')

	return fileutil.WriteFileAtomic(path, data, security.PermConfigFile)
}
