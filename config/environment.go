package config

import (
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
	environmentTestnet     = "testnet"

	defaultConfigPath = "config/config.yml"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"prod":  environmentProduction,
	"live":  environmentProduction,
	"stag":  environmentStaging,
	"test":  environmentTestnet,
	"paper": environmentTestnet,
}

// envConfigPaths maps an environment to the file picked when the default path is requested.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
	environmentTestnet:    "config/config.testnet.yml",
}

func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath swaps the default path for the environment file when that file exists.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}

	envPath, ok := envPaths[getAppEnvironment()]
	if !ok {
		return path
	}
	if _, err := os.Stat(envPath); err != nil {
		return path
	}
	return envPath
}

// AppEnvironment is the normalised APP_ENV value.
func AppEnvironment() string {
	return getAppEnvironment()
}

// UseTestnet reports whether exchange calls should go to the futures testnet.
func (c *Config) UseTestnet() bool {
	return c.Exchange.Testnet || getAppEnvironment() == environmentTestnet
}
