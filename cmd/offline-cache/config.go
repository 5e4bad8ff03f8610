package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       int    `yaml:"port"`
	Origin     string `yaml:"origin"`
	Host       string `yaml:"host"`
	Provider   string `yaml:"provider"`
	CacheDB    string `yaml:"cacheDb"`
	QueueDB    string `yaml:"queueDb"`
	Generation string `yaml:"generation"`

	Fallback     string   `yaml:"fallback"`
	Liveness     string   `yaml:"liveness"`
	TilePattern  string   `yaml:"tilePattern"`
	Exclude      []string `yaml:"exclude"`
	IgnoreQuery  bool     `yaml:"ignoreQuery"`
	FetchTimeout string   `yaml:"fetchTimeout"`

	PendingPath string `yaml:"pendingPath"`
	NameField   string `yaml:"nameField"`

	// Preload batches warmed at startup: resource id to
	// comma-separated path list.
	Preload map[string]string `yaml:"preload"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
