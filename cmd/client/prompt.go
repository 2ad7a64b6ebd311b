package main

import (
	"context"
	"fmt"
	"os"

	"github.com/swissdisk/swissdisk/internal/davsdk"
	"golang.org/x/term"
)

// terminalPasswordPrompt asks on the controlling terminal. Without one the
// fetch counts as canceled, so scripted runs must set SWISSDISK_PASSWORD.
func terminalPasswordPrompt(ctx context.Context, user string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", davsdk.ErrUserCanceledCredentials
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", cyan.Render(user))
	type result struct {
		pw  []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		pw, err := term.ReadPassword(fd)
		ch <- result{pw, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr)
		return "", ctx.Err()
	case r := <-ch:
		fmt.Fprintln(os.Stderr)
		if r.err != nil {
			return "", r.err
		}
		if len(r.pw) == 0 {
			return "", davsdk.ErrUserCanceledCredentials
		}
		return string(r.pw), nil
	}
}
