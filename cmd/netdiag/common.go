package main

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/metalagman/netdiag/internal/config"
	"github.com/metalagman/netdiag/internal/db"
)

func netdiagDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(cwd, ".netdiag")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func openDB() (*sql.DB, func(), error) {
	dir, err := netdiagDir()
	if err != nil {
		return nil, func() {}, err
	}
	storeDB, err := db.Open(filepath.Join(dir, "netdiag.db"))
	if err != nil {
		return nil, func() {}, err
	}
	return storeDB, func() { _ = storeDB.Close() }, nil
}

func loadConfig() (config.Config, error) {
	path := viper.GetString("config")
	if path == "" {
		path = filepath.Join(".netdiag", "config.json")
	}
	return config.Load(path)
}
