// Copyright 2025 The tossbot Authors
// This file is part of tossbot.
//
// tossbot is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// tossbot is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with tossbot. If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/grouptoss/tossbot/agent"
	"github.com/grouptoss/tossbot/params"
)

type relayConfig struct {
	// URL is the websocket endpoint of the message relay.
	URL string

	// Key is the hex encoded identity key. Its address is the bot's inbox.
	Key string
}

type walletConfig struct {
	// URL selects the remote custody service. When empty, wallets are held
	// in a local keystore under the data directory.
	URL string

	// Secret is the shared HS256 secret of the custody service.
	Secret string

	// Password encrypts local keystore keys.
	Password string
}

type parserConfig struct {
	// Mode picks the toss request parser: keyword or llm.
	Mode string

	// URL, Key and Model configure the llm mode's chat-completions API.
	URL   string
	Key   string
	Model string
}

type agentConfig struct {
	Prefix   string
	Commands []string
	Welcome  []string
}

type watcherConfig struct {
	Interval time.Duration
	Lookback uint64
}

type tossdConfig struct {
	// DataDir holds the toss database and the local keystore.
	DataDir string

	// Chain names the network preset: base-mainnet, base-sepolia or local.
	Chain string

	// DB picks the store backend: leveldb, file or memory.
	DB string

	// RPCURL overrides the chain preset's JSON-RPC endpoint.
	RPCURL string

	Relay   relayConfig
	Wallet  walletConfig
	Parser  parserConfig
	Agent   agentConfig
	Watcher watcherConfig
}

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = ", see github.com/grouptoss/tossbot for available fields"
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

func defaultConfig() tossdConfig {
	return tossdConfig{
		DataDir: defaultDataDir(),
		Chain:   params.BaseSepoliaChainConfig.Name,
		DB:      "leveldb",
		Parser: parserConfig{
			Mode:  "keyword",
			URL:   "https://api.openai.com/v1/chat/completions",
			Model: "gpt-4o-mini",
		},
		Agent: agentConfig{
			Prefix: agent.DefaultPrefix,
		},
		Watcher: watcherConfig{
			Interval: 30 * time.Second,
			Lookback: params.WatcherLookback,
		},
	}
}

// defaultDataDir places the data directory inside the user's home, falling
// back to the working directory when no home can be found.
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".tossd")
	}
	return ".tossd"
}

func loadConfigFile(path string, cfg *tossdConfig) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(f).Decode(cfg)
	// Add the file name to errors that carry a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = fmt.Errorf("%s: %w", path, err)
	}
	return err
}

// makeConfig assembles the active configuration: defaults, then the config
// file, then command line flags, each layer overriding the previous one.
func makeConfig(ctx *cli.Context) (*tossdConfig, *params.ChainConfig, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFileFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return nil, nil, err
		}
	}
	applyFlags(ctx, &cfg)

	chainCfg, err := params.ChainByName(cfg.Chain)
	if err != nil {
		return nil, nil, err
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = chainCfg.DefaultRPCURL
	}
	switch cfg.DB {
	case "leveldb", "file", "memory":
	default:
		return nil, nil, fmt.Errorf("unknown db backend %q, want leveldb, file or memory", cfg.DB)
	}
	switch cfg.Parser.Mode {
	case "keyword", "llm":
	default:
		return nil, nil, fmt.Errorf("unknown parser mode %q, want keyword or llm", cfg.Parser.Mode)
	}
	return &cfg, chainCfg, nil
}

func applyFlags(ctx *cli.Context, cfg *tossdConfig) {
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(chainFlag.Name) {
		cfg.Chain = ctx.String(chainFlag.Name)
	}
	if ctx.IsSet(dbBackendFlag.Name) {
		cfg.DB = ctx.String(dbBackendFlag.Name)
	}
	if ctx.IsSet(rpcURLFlag.Name) {
		cfg.RPCURL = ctx.String(rpcURLFlag.Name)
	}
	if ctx.IsSet(relayURLFlag.Name) {
		cfg.Relay.URL = ctx.String(relayURLFlag.Name)
	}
	if ctx.IsSet(relayKeyFlag.Name) {
		cfg.Relay.Key = ctx.String(relayKeyFlag.Name)
	}
	if ctx.IsSet(walletURLFlag.Name) {
		cfg.Wallet.URL = ctx.String(walletURLFlag.Name)
	}
	if ctx.IsSet(walletSecretFlag.Name) {
		cfg.Wallet.Secret = ctx.String(walletSecretFlag.Name)
	}
	if ctx.IsSet(walletPasswordFlag.Name) {
		cfg.Wallet.Password = ctx.String(walletPasswordFlag.Name)
	}
	if ctx.IsSet(parserModeFlag.Name) {
		cfg.Parser.Mode = ctx.String(parserModeFlag.Name)
	}
	if ctx.IsSet(llmURLFlag.Name) {
		cfg.Parser.URL = ctx.String(llmURLFlag.Name)
	}
	if ctx.IsSet(llmKeyFlag.Name) {
		cfg.Parser.Key = ctx.String(llmKeyFlag.Name)
	}
	if ctx.IsSet(llmModelFlag.Name) {
		cfg.Parser.Model = ctx.String(llmModelFlag.Name)
	}
	if ctx.IsSet(prefixFlag.Name) {
		cfg.Agent.Prefix = ctx.String(prefixFlag.Name)
	}
	if ctx.IsSet(commandsFlag.Name) {
		cfg.Agent.Commands = splitAndTrim(ctx.String(commandsFlag.Name))
	}
	if ctx.IsSet(welcomeFlag.Name) {
		cfg.Agent.Welcome = ctx.StringSlice(welcomeFlag.Name)
	}
	if ctx.IsSet(watchIntervalFlag.Name) {
		cfg.Watcher.Interval = ctx.Duration(watchIntervalFlag.Name)
	}
	if ctx.IsSet(watchLookbackFlag.Name) {
		cfg.Watcher.Lookback = ctx.Uint64(watchLookbackFlag.Name)
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// dumpConfig prints the active configuration in TOML, the same format the
// --config flag reads.
func dumpConfig(ctx *cli.Context) error {
	cfg, _, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
