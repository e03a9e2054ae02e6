// Command migrate applies or rolls back the SQL migrations.
//
//	migrate up | down | to <version> | version | run
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"ms-orders/internal/config"
	"ms-orders/internal/database"
	"ms-orders/internal/database/migrations"
	"ms-orders/internal/logger"
)

func main() {
	logger := logger.NewLogger()
	defer logger.Close()

	_ = godotenv.Load()
	cfg := config.Load()

	if len(os.Args) < 2 {
		logger.Fatal("MIGRATE", "usage: migrate up|down|to <version>|version|run")
	}

	db, err := database.OpenPostgres(context.Background(), cfg.Database, logger)
	if err != nil {
		logger.Fatal("DATABASE", err.Error())
	}
	defer db.Close()

	runner := migrations.NewRunner(db, migrations.OptionsFrom(cfg.Database), logger)
	defer runner.Close()

	switch os.Args[1] {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "run":
		err = runner.Run()
	case "to":
		if len(os.Args) < 3 {
			logger.Fatal("MIGRATE", "to needs a version")
		}
		var v uint64
		v, err = strconv.ParseUint(os.Args[2], 10, 32)
		if err == nil {
			err = runner.To(uint(v))
		}
	case "version":
		var (
			v     uint
			dirty bool
		)
		v, dirty, err = runner.Version()
		if err == nil {
			logger.Info("MIGRATE", fmt.Sprintf("version=%d dirty=%t", v, dirty))
		}
	default:
		logger.Fatal("MIGRATE", "unknown command "+os.Args[1])
	}
	if err != nil {
		logger.Fatal("MIGRATE", err.Error())
	}
	logger.Info("MIGRATE", os.Args[1]+" done")
}
