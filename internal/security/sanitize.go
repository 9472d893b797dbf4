package security

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Safe patterns for validation
	clonePathPattern = regexp.MustCompile(`^(/[a-zA-Z0-9_.-]+){2,}$`)
	repoPattern      = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ValidateCloneURL ensures a clone URL from a webhook payload is safe to hand
// to git. Only HTTPS URLs of the form https://<host>/<owner>[/<group>...]/<repo>[.git]
// pass. When allowedHosts is empty any host is accepted; otherwise the host
// must be on the list.
func ValidateCloneURL(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("only HTTPS clone URLs allowed, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("clone URL has no host")
	}

	hostAllowed := len(allowedHosts) == 0
	for _, h := range allowedHosts {
		if strings.EqualFold(u.Host, h) {
			hostAllowed = true
			break
		}
	}
	if !hostAllowed {
		return fmt.Errorf("clone host %q is not allowed", u.Host)
	}

	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("URL contains invalid characters or format")
	}

	// Match safe pattern to prevent injection
	if !clonePathPattern.MatchString(u.Path) || u.Path != u.EscapedPath() {
		return fmt.Errorf("URL contains invalid characters or format")
	}

	for _, segment := range strings.Split(u.Path[1:], "/") {
		if strings.HasPrefix(segment, ".") {
			return fmt.Errorf("URL contains invalid characters or format")
		}
	}

	return nil
}

// ValidateBranchName accepts the branch names git itself accepts (the
// check-ref-format rules) and rejects a leading '-', which git would read
// as an option.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name cannot be empty")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("branch name cannot start with '-'")
	}
	if branch == "@" {
		return fmt.Errorf("branch name cannot be '@'")
	}
	if strings.Contains(branch, "..") {
		return fmt.Errorf("branch name cannot contain '..'")
	}
	if strings.Contains(branch, "@{") {
		return fmt.Errorf("branch name cannot contain '@{'")
	}
	for _, c := range branch {
		if c < 0x20 || c == 0x7f || strings.ContainsRune(" ~^:?*[\\", c) {
			return fmt.Errorf("branch name contains invalid character %q", c)
		}
	}
	if strings.HasSuffix(branch, ".") {
		return fmt.Errorf("branch name cannot end with '.'")
	}
	for _, component := range strings.Split(branch, "/") {
		if component == "" {
			return fmt.Errorf("branch name has an empty path component")
		}
		if strings.HasPrefix(component, ".") || strings.HasSuffix(component, ".lock") {
			return fmt.Errorf("branch name component %q cannot start with '.' or end with '.lock'", component)
		}
	}
	return nil
}

// ValidateRepoName ensures a repository name is safe for use as a single
// directory name under the working-copy root.
func ValidateRepoName(name string) error {
	if name == "" {
		return fmt.Errorf("repository name cannot be empty")
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("repository name cannot start with '-' or '.'")
	}
	if !repoPattern.MatchString(name) {
		return fmt.Errorf("repository name contains invalid characters (only a-z, A-Z, 0-9, ., _, - allowed)")
	}
	return nil
}

// EnsureWithin resolves targetPath and verifies it stays inside basePath.
// Unlike a symlink-based check, the target does not have to exist yet.
func EnsureWithin(basePath, targetPath string) (string, error) {
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve target path: %w", err)
	}

	relPath, err := filepath.Rel(absBase, absTarget)
	if err != nil || relPath == "." || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: target '%s' is outside base '%s'", absTarget, absBase)
	}

	return absTarget, nil
}

// ContainsShellMetachars checks if a string contains shell metacharacters.
// Deploy arguments never pass through a shell; this only feeds warnings
// about deploy scripts that re-evaluate their arguments.
func ContainsShellMetachars(s string) bool {
	return strings.ContainsAny(s, ";|&$`\n><(){}*?[]\\'\"")
}
