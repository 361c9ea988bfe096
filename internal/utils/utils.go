package utils

import (
	"log/slog"
	"os"
)

// Must aborts startup on an unrecoverable error.
func Must(err error) {
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
}
