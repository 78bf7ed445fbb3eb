package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pesit-go/pesitd/pkg/config"
	"github.com/pesit-go/pesitd/pkg/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage encrypted configuration secrets",
}

var secretEncryptCmd = &cobra.Command{
	Use:   "encrypt [value]",
	Short: "Encrypt a secret for use in the configuration file",
	Long: `Encrypt a partner password or key-store password with the configured
master key. The output is an AES:v2: value to paste into config.yaml.

The value is read from the argument, or from stdin when omitted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretEncrypt,
}

func init() {
	secretCmd.AddCommand(secretEncryptCmd)
}

func runSecretEncrypt(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if cfg.Secrets.MasterKey == "" {
		return fmt.Errorf("no master key configured: set secrets.master_key in %s", config.GetDefaultConfigPath())
	}

	var plaintext string
	if len(args) == 1 {
		plaintext = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Value: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read value: %w", err)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	if plaintext == "" {
		return fmt.Errorf("nothing to encrypt")
	}

	svc, err := secrets.NewAES(cfg.Secrets.MasterKey, nil)
	if err != nil {
		return err
	}
	encrypted, err := svc.Encrypt(plaintext)
	if err != nil {
		return err
	}
	fmt.Println(encrypted)
	return nil
}
