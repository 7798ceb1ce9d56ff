//go:build linux

package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port          int    `yaml:"port"`
	Dir           string `yaml:"dir"`
	DB            string `yaml:"db"`
	CacheMaxBytes int64  `yaml:"cacheMaxBytes"`
	Workers       int    `yaml:"workers"`
	AdminAddr     string `yaml:"adminAddr"`
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
