package utils

import (
	"go.uber.org/zap"
)

// HandleAndLog runs a cleanup action and logs its error instead of returning
// it, for use in defers and shutdown paths.
func HandleAndLog(action func() error, log *zap.Logger) {
	err := action()
	if err != nil {
		log.Error("Error during deferred execution", zap.Error(err))
	}
}
