package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"msgline/internal/infra/config"
)

func encryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a secret for an enc: config value",
		Long: `Encrypts value (or the first line of stdin) with the passphrase in
$MSGLINE_CONFIG_KEY and prints it in the enc:... form config.Load decrypts.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			passphrase := os.Getenv("MSGLINE_CONFIG_KEY")
			if passphrase == "" {
				return fmt.Errorf("MSGLINE_CONFIG_KEY must be set")
			}

			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					value = strings.TrimSpace(sc.Text())
				}
				if err := sc.Err(); err != nil {
					return fmt.Errorf("read value: %w", err)
				}
			}
			if value == "" {
				return fmt.Errorf("nothing to encrypt")
			}

			enc, err := config.EncryptValue(value, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
