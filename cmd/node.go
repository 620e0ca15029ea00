package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/node"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// newLogger builds the production logger used by every command
func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// startNode loads configuration for role and starts a node
func startNode(logger *zap.Logger, role common.DeviceRole) (*node.Node, error) {
	if role != "" {
		viper.Set("node.role", string(role))
	}
	cfg, err := node.LoadConfig()
	if err != nil {
		return nil, err
	}

	n, err := node.NewNode(logger, cfg)
	if err != nil {
		logger.Error("Failed to create node", zap.Error(err))
		return nil, err
	}
	if err := n.Start(); err != nil {
		logger.Error("Failed to start node", zap.Error(err))
		return nil, err
	}
	return n, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
