package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gluk-w/clusterlink/internal/config"
	"github.com/gluk-w/clusterlink/internal/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// EncryptPassword prints the password_encrypted value for a cluster file entry
func EncryptPassword() *cobra.Command {
	var newKey bool
	cmd := &cobra.Command{
		Use:   "encrypt-password",
		Short: "Encrypt an SSH password for the cluster file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if newKey {
				key, err := crypto.GenerateKey()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			}
			if config.Cfg.FernetKey == "" {
				return errors.New("CLUSTERLINK_FERNET_KEY is not set; create one with --new-key")
			}

			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			password, err := readPassword()
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if password == "" {
				return errors.New("empty password")
			}
			enc, err := crypto.Encrypt(config.Cfg.FernetKey, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
	cmd.Flags().BoolVar(&newKey, "new-key", false, "print a new fernet key instead")
	return cmd
}

// readPassword reads without echo from a terminal, or one line from a pipe.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
