package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// promptKey asks for the signer key on the terminal when the environment
// does not carry one. Non-interactive runs keep the empty value.
func promptKey(cur string) (string, error) {
	if cur != "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return cur, nil
	}
	fmt.Fprint(os.Stderr, "SIGNER_PRIVATE_KEY (hidden): ")
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read private key: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
