package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"devsync/internal/app"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// stdin is shared by every piped passphrase read; one line per passphrase.
var stdin = bufio.NewReader(os.Stdin)

// readPassphrase reads a passphrase without echo when stdin is a terminal,
// and a single line otherwise.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// readNewPassphrase prompts twice and requires both entries to match.
func readNewPassphrase() (string, error) {
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("passphrase must not be empty")
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return first, nil
	}
	second, err := readPassphrase("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage offline data encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		pass, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.SetupKeys(cfg, pass); err != nil {
			return err
		}
		pub, err := app.PublicKey(cfg)
		if err != nil {
			return err
		}
		fmt.Printf("Keys written to %s\n", cfg.Encryption.PrivateKeyPath)
		fmt.Printf("Public key: %s\n", pub)
		return nil
	},
}

var keysPasswdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the private key passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		old, err := readPassphrase("Current passphrase: ")
		if err != nil {
			return err
		}
		pass, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.ChangePassphrase(cfg, old, pass); err != nil {
			return err
		}
		fmt.Println("Passphrase changed.")
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		pub, err := app.PublicKey(cfg)
		if err != nil {
			return err
		}
		fmt.Println(pub)
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysPasswdCmd)
	keysCmd.AddCommand(keysShowCmd)
}
