//go:build !windows

package main

import (
	"log/slog"
	"syscall"
)

func applyUmask(mask int, logger *slog.Logger) {
	old := syscall.Umask(mask)
	logger.Info("umask set", "umask", slog.StringValue(fmtOctal(mask)), "previous", slog.StringValue(fmtOctal(old)))
}
