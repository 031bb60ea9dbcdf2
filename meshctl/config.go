package main

import (
	"fmt"

	"github.com/docopt/docopt-go"
	"github.com/spf13/viper"
)

// runConfig holds the `run` command settings. Values come from the
// optional yaml config file; command line flags override.
type runConfig struct {
	Identity  string
	Device    string
	Store     string
	Listen    string
	SignalUrl string
	Room      string
	RoomToken string
	Peers     []string
}

func loadRunConfig(opts docopt.Opts) (*runConfig, error) {
	v := viper.New()
	v.SetDefault("listen", "127.0.0.1:0")
	v.SetDefault("room", "default")

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", configPath, err)
		}
	}

	flagKeys := map[string]string{
		"--identity":   "identity",
		"--device":     "device",
		"--store":      "store",
		"--listen":     "listen",
		"--signal_url": "signal_url",
		"--room":       "room",
		"--room_token": "room_token",
	}
	for flag, key := range flagKeys {
		if value, err := opts.String(flag); err == nil && value != "" {
			v.Set(key, value)
		}
	}

	config := &runConfig{
		Identity:  v.GetString("identity"),
		Device:    v.GetString("device"),
		Store:     v.GetString("store"),
		Listen:    v.GetString("listen"),
		SignalUrl: v.GetString("signal_url"),
		Room:      v.GetString("room"),
		RoomToken: v.GetString("room_token"),
		Peers:     v.GetStringSlice("peers"),
	}

	if peers, ok := opts["--peer"].([]string); ok && 0 < len(peers) {
		config.Peers = append(config.Peers, peers...)
	}

	if config.Identity == "" || config.Device == "" || config.Store == "" {
		return nil, fmt.Errorf("identity, device, and store are required")
	}
	return config, nil
}
