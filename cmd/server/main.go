package main

import (
	"github.com/OFFIS-RIT/modelgraph/internal/config"
	"github.com/OFFIS-RIT/modelgraph/internal/server"
	"github.com/OFFIS-RIT/modelgraph/internal/util"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger"
	"github.com/OFFIS-RIT/modelgraph/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	debug := util.GetEnvBool("DEBUG", false)

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}

	if err := server.Init(cfg); err != nil {
		logger.Fatal("Server stopped", "err", err)
	}
}
