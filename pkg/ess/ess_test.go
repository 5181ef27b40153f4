package ess

import (
	"log/slog"

	"github.com/raterudder/chargeplanner/pkg/log"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}
