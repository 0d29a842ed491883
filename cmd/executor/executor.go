package executor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"perpexecutor/src/connectors"
	"perpexecutor/src/database"
	"perpexecutor/src/executors"
	"perpexecutor/src/server"
)

type Executor struct{}

// Start initializes the database, optionally serves the inspection API, and
// blocks in the execution loop until SIGINT/SIGTERM.
func (t *Executor) Start() error {
	config := GetConfig()
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)

	defer stop()

	if err := database.InitMainDB(); err != nil {
		logrus.WithError(err).Error("Failed to connect to main database")
		return err
	}

	targetExchange := connectors.GetConfig().TargetExchange
	logrus.WithField("targetExchange", targetExchange).Info("Starting executor for exchange")

	if config.ServeAPI {
		go func() {
			if err := server.StartServer(ctx, server.GetConfig()); err != nil {
				logrus.WithError(err).Error("Inspection API stopped")
			}
		}()
	}

	if err := executors.StartLoop(ctx); err != nil {
		logrus.WithError(err).Error("Execution loop failed")
		return err
	}

	return nil
}
