package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"deployhook/pkg/fileutil"
	"deployhook/pkg/templates"

	"github.com/spf13/cobra"
)

var (
	unitUser    string
	unitGroup   string
	unitBinary  string
	unitEnvFile string
)

var systemdCmd = &cobra.Command{
	Use:   "systemd-unit",
	Short: "Print a systemd unit file for running the server",
	Long: `Render a systemd service unit for 'deployhook serve' to stdout.

The unit wires SIGHUP to 'systemctl reload' for rules reloads and lets
in-flight deployments finish on stop. Override the built-in template by
placing systemd-service.template in ./templates, ./config/templates or
/etc/deployhook/templates.`,
	Example: `  deployhook systemd-unit --user deploy | sudo tee /etc/systemd/system/deployhook.service`,
	Args:    cobra.NoArgs,
	RunE:    runSystemdUnit,
}

func init() {
	systemdCmd.Flags().StringVar(&unitUser, "user", "", "User the service runs as (default: current user)")
	systemdCmd.Flags().StringVar(&unitGroup, "group", "", "Group the service runs as (default: --user)")
	systemdCmd.Flags().StringVar(&unitBinary, "binary", "", "Path to the deployhook binary (default: this executable)")
	systemdCmd.Flags().StringVar(&unitEnvFile, "env-file-path", "/etc/deployhook/deployhook.env", "EnvironmentFile holding WEBHOOK_SECRET")

}

func runSystemdUnit(cmd *cobra.Command, args []string) error {
	settings, _, err := loadSettings(cmd)
	if err != nil {
		return err
	}

	if unitUser == "" {
		current, err := user.Current()
		if err != nil {
			return fmt.Errorf("cannot determine current user, pass --user: %w", err)
		}
		unitUser = current.Username
	}
	if unitGroup == "" {
		unitGroup = unitUser
	}
	if unitBinary == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate executable, pass --binary: %w", err)
		}
		unitBinary = exe
	}

	home := "/"
	if u, err := user.Lookup(unitUser); err == nil {
		home = u.HomeDir
	}

	// Expand ~ against the service user's home, not ours
	expand := func(p string) string {
		if p == "~" || len(p) > 1 && p[:2] == "~/" {
			return filepath.Join(home, p[1:])
		}
		return fileutil.ExpandHome(p)
	}

	unit, err := templates.RenderSystemdService(templates.ServiceData{
		Binary:     unitBinary,
		User:       unitUser,
		Group:      unitGroup,
		WorkingDir: home,
		RulesFile:  expand(settings.RulesFile),
		ReposDir:   expand(settings.ReposDir),
		LogFile:    expand(settings.LogFile),
		EnvFile:    unitEnvFile,
	})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), unit)
	return nil
}
