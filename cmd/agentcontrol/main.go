// Package main is the entrypoint for the newrelic-agent-control binary.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/cmd/agentcontrol"
)

func main() {
	cmd := agentcontrol.App()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Error("Agent Control exited with error")
		var exitError *agentcontrol.ExitError
		if errors.As(err, &exitError) {
			os.Exit(exitError.Code)
		}
		os.Exit(agentcontrol.ExitRuntimeError)
	}
}
