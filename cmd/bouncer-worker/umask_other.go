//go:build windows

package main

import "log/slog"

func applyUmask(mask int, logger *slog.Logger) {
	logger.Warn("service.umask is ignored on this platform", "umask", fmtOctal(mask))
}
