package deployment

import (
	"context"
	"fmt"
	"time"

	"deployhook/pkg/cmdutil"
)

// DefaultDeployCommand is the deploy capability invoked when none is
// configured. The working copy, target and app name are appended.
const DefaultDeployCommand = "br-deploy deploy"

// Deployer is the external deploy capability. It always returns the
// captured result when the command ran, even on failure.
type Deployer interface {
	Deploy(ctx context.Context, workingCopy, target, appName string) (*cmdutil.Result, error)
}

// CommandDeployer runs an external program as
// `<Command...> <workingCopy> <target> <appName>`.
type CommandDeployer struct {
	Command []string
	// Timeout bounds the deploy command; zero means no timeout.
	Timeout time.Duration
}

// NewCommandDeployer parses a shell-quoted command string such as
// "br-deploy deploy".
func NewCommandDeployer(command string, timeout time.Duration) (*CommandDeployer, error) {
	parts, err := cmdutil.ParseCommandString(command)
	if err != nil {
		return nil, fmt.Errorf("invalid deploy command: %w", err)
	}
	return &CommandDeployer{Command: parts, Timeout: timeout}, nil
}

// Deploy invokes the deploy command. A non-zero exit is reported as an error
// alongside the captured result.
func (d *CommandDeployer) Deploy(ctx context.Context, workingCopy, target, appName string) (*cmdutil.Result, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("deploy command not configured")
	}

	cmd := make([]string, 0, len(d.Command)+3)
	cmd = append(cmd, d.Command...)
	cmd = append(cmd, workingCopy, target, appName)

	result, err := cmdutil.Run(ctx, cmdutil.ExecOptions{Timeout: d.Timeout}, cmd)
	if err != nil {
		return result, fmt.Errorf("deploy command %s: %w", cmdutil.FormatCommand(cmd), err)
	}

	return result, nil
}
