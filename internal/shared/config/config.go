package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/ini.v1"

	"socks5balancer/internal/shared/types"
)

// LoadIni loads the balancer.ini behaviour configuration.
func LoadIni(cfg *types.Config, fileName string) error {
	applyDefaults(cfg)
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}
	overrideFromEnvInt(&cfg.ListenerConf.Port, "LISTEN_PORT")
	overrideFromEnvInt(&cfg.WebConf.Port, "WEB_PORT")
	return nil
}

// LoadUpstreams loads the upstreams.json data file. A missing file yields an
// empty list rather than an error.
func LoadUpstreams(fileName string) ([]*types.UpstreamProfile, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return []*types.UpstreamProfile{}, nil
		}
		return nil, fmt.Errorf("failed to read upstreams file: %w", err)
	}

	var profiles []*types.UpstreamProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to unmarshal upstreams.json: %w", err)
	}
	return profiles, nil
}

// SaveUpstreams writes the upstream list back to upstreams.json.
func SaveUpstreams(fileName string, profiles []*types.UpstreamProfile) error {
	data, err := json.MarshalIndent(profiles, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal upstream profiles: %w", err)
	}
	return os.WriteFile(fileName, data, 0644)
}

func applyDefaults(cfg *types.Config) {
	cfg.ListenerConf.Host = "0.0.0.0"
	cfg.ListenerConf.Port = 1080
	cfg.BalanceConf.UpstreamSelectRule = "random"
	cfg.BalanceConf.ServerChangeTime = 5000
	cfg.CheckConf.TCPCheckStart = 1000
	cfg.CheckConf.TCPCheckPeriod = 5000
	cfg.CheckConf.TCPCheckTimeout = 2000
	cfg.CheckConf.ConnectCheckStart = 1000
	cfg.CheckConf.ConnectCheckPeriod = 300000
	cfg.CheckConf.ConnectTimeout = 5000
	cfg.CheckConf.TestRemoteHost = "www.google.com"
	cfg.CheckConf.TestRemotePort = 443
	cfg.CheckConf.MaxConcurrentProbes = 8
	cfg.LogConf.Level = "info"
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
