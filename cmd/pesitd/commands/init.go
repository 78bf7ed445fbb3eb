package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesit-go/pesitd/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample pesitd configuration file.

By default, the configuration file is created at $XDG_CONFIG_HOME/pesitd/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  pesitd init

  # Initialize with custom path
  pesitd init --config /etc/pesitd/config.yaml

  # Force overwrite existing config
  pesitd init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file: add your partners and listeners")
	fmt.Println("  2. Encrypt partner passwords: pesitd secret encrypt")
	fmt.Println("  3. Start the server with: pesitd start")
	return nil
}
