package main

import (
	"fmt"
	"os"

	"github.com/voyantlabs/concourse/internal/config"
	"github.com/voyantlabs/concourse/internal/db"
	"gorm.io/gorm"
)

// defaultConfigPath is where commands look for configuration by default.
const defaultConfigPath = "concourse.yaml"

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist. An explicit missing path is an error.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == defaultConfigPath {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("config file %s does not exist", path)
	}
	return config.Load(path)
}

// connectFromConfig loads config and opens the database.
func connectFromConfig(path string) (*config.Config, *gorm.DB, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gdb, nil
}
