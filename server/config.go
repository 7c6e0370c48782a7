// Copyright 2026 The mcwhitelist Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Name      string           `yaml:"name" json:"name" usage:"Node name used in logs."`
	Config    string           `yaml:"config" json:"config" usage:"The absolute file path to the configuration YAML file."`
	Logger    *LoggerConfig    `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Discord   *DiscordConfig   `yaml:"discord" json:"discord" usage:"Discord bot settings."`
	RCON      *RCONConfig      `yaml:"rcon" json:"rcon" usage:"Game server remote console settings."`
	Resolver  *ResolverConfig  `yaml:"resolver" json:"resolver" usage:"Account name resolution settings."`
	Store     *StoreConfig     `yaml:"store" json:"store" usage:"Link registry storage settings."`
	Reconcile *ReconcileConfig `yaml:"reconcile" json:"reconcile" usage:"Whitelist reconciliation settings."`
	API       *APIConfig       `yaml:"api" json:"api" usage:"Operations HTTP API settings."`
}

type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can be 'json' or 'console'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set)."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain."`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"Use the computer's local time for backup file names instead of UTC."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"Compress rotated log files using gzip."`
}

type DiscordConfig struct {
	Token            string   `yaml:"token" json:"token" usage:"Discord bot token."`
	GuildID          string   `yaml:"guild_id" json:"guild_id" usage:"The guild whose roles drive the whitelist."`
	AllowedRoleIDs   []string `yaml:"allowed_role_ids" json:"allowed_role_ids" usage:"Roles that grant whitelist access."`
	AdminRoleIDs     []string `yaml:"admin_role_ids" json:"admin_role_ids" usage:"Roles that may run a full resync."`
	RegisterCommands bool     `yaml:"register_commands" json:"register_commands" usage:"Register the slash commands on startup."`
}

type RCONConfig struct {
	Host      string `yaml:"host" json:"host" usage:"Game server RCON host."`
	Port      int    `yaml:"port" json:"port" usage:"Game server RCON port."`
	Password  string `yaml:"password" json:"password" usage:"Game server RCON password."`
	TimeoutMs int    `yaml:"timeout_ms" json:"timeout_ms" usage:"Upper bound for one whitelist mutation round trip, in milliseconds."`
}

type ResolverConfig struct {
	BaseURL       string  `yaml:"base_url" json:"base_url" usage:"Profile API base URL."`
	TimeoutMs     int     `yaml:"timeout_ms" json:"timeout_ms" usage:"Profile lookup timeout in milliseconds."`
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second" usage:"Maximum profile lookups per second. 0 disables the limit."`
}

type StoreConfig struct {
	DSN string `yaml:"dsn" json:"dsn" usage:"Link registry location: a file path, file://path, memory://, or postgres://..."`
}

type ReconcileConfig struct {
	ResyncIntervalSec int `yaml:"resync_interval_sec" json:"resync_interval_sec" usage:"Run a full resync this often, in seconds. 0 disables scheduled resyncs."`
	QueueSize         int `yaml:"queue_size" json:"queue_size" usage:"Pending event queue capacity."`
}

type APIConfig struct {
	Address string `yaml:"address" json:"address" usage:"Listen address for health, metrics and link inspection. Empty disables the API."`
}

func NewConfig() *Config {
	return &Config{
		Name: "mcwhitelist",
		Logger: &LoggerConfig{
			Level:  "info",
			Format: "json",
			Stdout: true,
		},
		Discord: &DiscordConfig{
			RegisterCommands: true,
		},
		RCON: &RCONConfig{
			Host:      "127.0.0.1",
			Port:      25575,
			TimeoutMs: 5000,
		},
		Resolver: &ResolverConfig{
			BaseURL:       DefaultMojangBaseURL,
			TimeoutMs:     5000,
			RatePerSecond: 5,
		},
		Store: &StoreConfig{
			DSN: "links.json",
		},
		Reconcile: &ReconcileConfig{
			QueueSize: 50,
		},
		API: &APIConfig{},
	}
}

func (c *Config) RCONTimeout() time.Duration {
	return time.Duration(c.RCON.TimeoutMs) * time.Millisecond
}

func (c *Config) ResolverTimeout() time.Duration {
	return time.Duration(c.Resolver.TimeoutMs) * time.Millisecond
}

func (c *Config) ResyncInterval() time.Duration {
	return time.Duration(c.Reconcile.ResyncIntervalSec) * time.Second
}

// Policy parses the configured role ids.
func (c *Config) Policy() Policy {
	return NewPolicy(ParseRoleIDs(c.Discord.AllowedRoleIDs), ParseRoleIDs(c.Discord.AdminRoleIDs))
}

// ParseArgs builds the config from defaults, the optional YAML file named by --config,
// and command line overrides, in that order.
func ParseArgs(logger *zap.Logger, args []string) (*Config, error) {
	config := NewConfig()

	flags := pflag.NewFlagSet("mcwhitelist", pflag.ContinueOnError)
	configPath := flags.String("config", "", "The absolute file path to the configuration YAML file.")
	name := flags.String("name", "", "Node name used in logs.")
	logLevel := flags.String("logger.level", "", "Log level to set.")
	logFormat := flags.String("logger.format", "", "Logging output format, 'json' or 'console'.")
	logFile := flags.String("logger.file", "", "Log output to a file.")
	token := flags.String("discord.token", "", "Discord bot token.")
	guildID := flags.String("discord.guild_id", "", "Guild whose roles drive the whitelist.")
	allowed := flags.StringSlice("discord.allowed_role_ids", nil, "Roles that grant whitelist access.")
	admin := flags.StringSlice("discord.admin_role_ids", nil, "Roles that may run a full resync.")
	rconHost := flags.String("rcon.host", "", "Game server RCON host.")
	rconPort := flags.Int("rcon.port", 0, "Game server RCON port.")
	rconPassword := flags.String("rcon.password", "", "Game server RCON password.")
	storeDSN := flags.String("store.dsn", "", "Link registry location.")
	apiAddress := flags.String("api.address", "", "Listen address for the operations API.")
	resyncInterval := flags.Int("reconcile.resync_interval_sec", -1, "Scheduled resync interval in seconds.")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
		config.Config = *configPath
		logger.Info("Loaded config file", zap.String("path", *configPath))
	}

	overrideString(&config.Name, *name)
	overrideString(&config.Logger.Level, *logLevel)
	overrideString(&config.Logger.Format, *logFormat)
	overrideString(&config.Logger.File, *logFile)
	overrideString(&config.Discord.Token, *token)
	overrideString(&config.Discord.GuildID, *guildID)
	overrideString(&config.RCON.Host, *rconHost)
	overrideString(&config.RCON.Password, *rconPassword)
	overrideString(&config.Store.DSN, *storeDSN)
	overrideString(&config.API.Address, *apiAddress)
	if len(*allowed) > 0 {
		config.Discord.AllowedRoleIDs = *allowed
	}
	if len(*admin) > 0 {
		config.Discord.AdminRoleIDs = *admin
	}
	if *rconPort > 0 {
		config.RCON.Port = *rconPort
	}
	if *resyncInterval >= 0 {
		config.Reconcile.ResyncIntervalSec = *resyncInterval
	}

	return config, nil
}

func overrideString(dst *string, value string) {
	if value != "" {
		*dst = value
	}
}

// CheckConfig returns every problem found; an empty result means the config is usable.
func CheckConfig(logger *zap.Logger, config *Config) []error {
	var errs []error
	if config.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token must be set"))
	}
	if _, err := strconv.ParseUint(config.Discord.GuildID, 10, 64); err != nil {
		errs = append(errs, fmt.Errorf("discord.guild_id must be a numeric id, got %q", config.Discord.GuildID))
	}
	if len(config.Discord.AllowedRoleIDs) == 0 {
		errs = append(errs, errors.New("discord.allowed_role_ids must contain at least one role"))
	}
	for _, ids := range [...][]string{config.Discord.AllowedRoleIDs, config.Discord.AdminRoleIDs} {
		if n := len(ParseRoleIDs(ids)); n != len(ids) {
			errs = append(errs, fmt.Errorf("role ids must be numeric: %s", strings.Join(ids, ",")))
		}
	}
	if config.RCON.Host == "" {
		errs = append(errs, errors.New("rcon.host must be set"))
	}
	if config.RCON.Port < 1 || config.RCON.Port > 65535 {
		errs = append(errs, fmt.Errorf("rcon.port must be between 1 and 65535, got %d", config.RCON.Port))
	}
	if config.RCON.TimeoutMs <= 0 {
		errs = append(errs, errors.New("rcon.timeout_ms must be greater than 0"))
	}
	if config.Resolver.TimeoutMs <= 0 {
		errs = append(errs, errors.New("resolver.timeout_ms must be greater than 0"))
	}
	if config.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn must be set"))
	}
	if config.Reconcile.ResyncIntervalSec < 0 {
		errs = append(errs, errors.New("reconcile.resync_interval_sec must not be negative"))
	}
	if config.Logger.Format != "json" && config.Logger.Format != "console" {
		errs = append(errs, fmt.Errorf("logger.format must be 'json' or 'console', got %q", config.Logger.Format))
	}

	if config.RCON.Password == "" {
		logger.Warn("WARNING: rcon.password is empty")
	}
	if overlap := config.Policy().Overlap(); len(overlap) > 0 {
		logger.Warn("Allowed and admin role sets overlap", zap.Any("roles", overlap))
	}
	return errs
}
