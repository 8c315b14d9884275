package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/receipt-entitlements/internal/server"
)

var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hashkey [admin_key]",
		Short: "Print a bcrypt hash for ENT_ADMIN_KEY_HASH",
		Long: `Hashes an admin key for ENT_ADMIN_KEY_HASH. Without an argument the key is
read from the terminal without echo, or from the first line of stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = promptKey(cmd); err != nil {
					return err
				}
			}
			key = strings.TrimSpace(key)
			if len(key) < 16 {
				return fmt.Errorf("admin key must be at least 16 characters")
			}

			hash, err := server.HashAdminKey(key)
			if err != nil {
				return fmt.Errorf("hash admin key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func promptKey(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !isTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(cmd.InOrStdin(), &line); err != nil {
			return "", fmt.Errorf("read admin key from stdin: %w", err)
		}
		return line, nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Admin key: ")
	b, err := readPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", fmt.Errorf("read admin key: %w", err)
	}
	return string(b), nil
}
