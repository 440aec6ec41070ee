package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	err := newRootCommand().Execute()
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Interrupted by the user; match the conventional exit code.
		os.Exit(130)
	}
	fmt.Fprintf(os.Stderr, "sitesync: %v\n", err)
	os.Exit(1)
}
