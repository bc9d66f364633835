package keyring

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// PromptSecret prompts on the terminal without echo.
func PromptSecret(prompt string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s: ", prompt)

	// Prefer the controlling terminal so piped stdin still works
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(secret), nil
}

// PromptStreamKey asks for the stream key twice and checks they match.
func PromptStreamKey() (string, error) {
	first, err := PromptSecret("Enter stream key")
	if err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("stream key cannot be empty")
	}

	second, err := PromptSecret("Confirm stream key")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("stream keys do not match")
	}
	return first, nil
}
