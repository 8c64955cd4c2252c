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

// tossd runs the group toss wagering bot: it connects the toss engine to a
// chat relay, watches escrow wallets for stablecoin deposits and settles
// finished tosses through the configured wallet provider.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/metrics/exp"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/grouptoss/tossbot/agent"
	"github.com/grouptoss/tossbot/chain"
	"github.com/grouptoss/tossbot/chat"
	"github.com/grouptoss/tossbot/engine"
	"github.com/grouptoss/tossbot/params"
	"github.com/grouptoss/tossbot/parser"
	"github.com/grouptoss/tossbot/payment"
	"github.com/grouptoss/tossbot/store"
	"github.com/grouptoss/tossbot/store/filestore"
	"github.com/grouptoss/tossbot/store/leveldb"
	"github.com/grouptoss/tossbot/store/memstore"
	"github.com/grouptoss/tossbot/wallet"
	"github.com/grouptoss/tossbot/watcher"
)

const clientIdentifier = "tossd"

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	envFileFlag = &cli.StringFlag{
		Name:  "env",
		Usage: "Environment file loaded before flag parsing (default: .env)",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for the toss database and keystore",
		Value: defaultDataDir(),
	}
	chainFlag = &cli.StringFlag{
		Name:    "chain",
		Usage:   "Network preset to run against (base-mainnet, base-sepolia, local)",
		Value:   params.BaseSepoliaChainConfig.Name,
		EnvVars: []string{"TOSSD_CHAIN"},
	}
	dbBackendFlag = &cli.StringFlag{
		Name:  "db",
		Usage: "Store backend (leveldb, file, memory)",
		Value: "leveldb",
	}
	rpcURLFlag = &cli.StringFlag{
		Name:    "rpc.url",
		Usage:   "JSON-RPC endpoint of the chain node",
		EnvVars: []string{"TOSSD_RPC_URL"},
	}
	relayURLFlag = &cli.StringFlag{
		Name:    "relay.url",
		Usage:   "Websocket endpoint of the chat message relay",
		EnvVars: []string{"TOSSD_RELAY_URL"},
	}
	relayKeyFlag = &cli.StringFlag{
		Name:    "relay.key",
		Usage:   "Hex encoded identity key of the bot's inbox",
		EnvVars: []string{"TOSSD_RELAY_KEY"},
	}
	consoleFlag = &cli.BoolFlag{
		Name:  "console",
		Usage: "Run an interactive local session instead of connecting to a relay",
	}
	walletURLFlag = &cli.StringFlag{
		Name:    "wallet.url",
		Usage:   "Remote custody service URL (empty: local keystore)",
		EnvVars: []string{"TOSSD_WALLET_URL"},
	}
	walletSecretFlag = &cli.StringFlag{
		Name:    "wallet.secret",
		Usage:   "Shared secret of the remote custody service",
		EnvVars: []string{"TOSSD_WALLET_SECRET"},
	}
	walletPasswordFlag = &cli.StringFlag{
		Name:    "wallet.password",
		Usage:   "Password encrypting local keystore keys",
		EnvVars: []string{"TOSSD_WALLET_PASSWORD"},
	}
	parserModeFlag = &cli.StringFlag{
		Name:  "parser",
		Usage: "Toss request parser (keyword, llm)",
		Value: "keyword",
	}
	llmURLFlag = &cli.StringFlag{
		Name:  "llm.url",
		Usage: "Chat-completions endpoint for the llm parser",
	}
	llmKeyFlag = &cli.StringFlag{
		Name:    "llm.key",
		Usage:   "API key for the llm parser",
		EnvVars: []string{"TOSSD_LLM_KEY"},
	}
	llmModelFlag = &cli.StringFlag{
		Name:  "llm.model",
		Usage: "Model queried by the llm parser",
	}
	prefixFlag = &cli.StringFlag{
		Name:  "prefix",
		Usage: "Command prefix the bot answers to",
		Value: agent.DefaultPrefix,
	}
	commandsFlag = &cli.StringFlag{
		Name:  "commands",
		Usage: "Comma separated command whitelist (empty: all commands)",
	}
	welcomeFlag = &cli.StringSliceFlag{
		Name:  "welcome",
		Usage: "Message sent on first contact with a conversation (repeatable)",
	}
	watchIntervalFlag = &cli.DurationFlag{
		Name:  "watch.interval",
		Usage: "Poll interval of the deposit watcher",
		Value: 30 * time.Second,
	}
	watchLookbackFlag = &cli.Uint64Flag{
		Name:  "watch.lookback",
		Usage: "Blocks behind the head a fresh escrow wallet starts scanning",
		Value: params.WatcherLookback,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Write logs to a rotated file in addition to the terminal",
	}
	metricsEnabledFlag = &cli.BoolFlag{
		Name:  "metrics",
		Usage: "Enable metrics collection and reporting",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Address the metrics HTTP endpoint listens on",
		Value: "127.0.0.1:6060",
	}
)

// configFlags feed makeConfig. They are repeated on the subcommands that
// build a configuration of their own.
var configFlags = []cli.Flag{
	configFileFlag,
	dataDirFlag,
	chainFlag,
	dbBackendFlag,
	rpcURLFlag,
	relayURLFlag,
	relayKeyFlag,
	walletURLFlag,
	walletSecretFlag,
	walletPasswordFlag,
	parserModeFlag,
	llmURLFlag,
	llmKeyFlag,
	llmModelFlag,
	prefixFlag,
	commandsFlag,
	welcomeFlag,
	watchIntervalFlag,
	watchLookbackFlag,
}

var daemonFlags = []cli.Flag{
	envFileFlag,
	consoleFlag,
	verbosityFlag,
	logFileFlag,
	metricsEnabledFlag,
	metricsAddrFlag,
}

var app = cli.NewApp()

func init() {
	app.Name = clientIdentifier
	app.Usage = "chat wagering bot backed by stablecoin escrows"
	app.Version = params.VersionWithMeta
	app.Copyright = "Copyright 2025 The tossbot Authors"
	app.Action = tossd
	app.Flags = append(append([]cli.Flag{}, configFlags...), daemonFlags...)
	app.Commands = []*cli.Command{
		listCommand,
		dumpConfigCommand,
		versionCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		setupLogging(ctx)
		setupMetrics(ctx)
		return nil
	}
}

var dumpConfigCommand = &cli.Command{
	Action:      dumpConfig,
	Name:        "dumpconfig",
	Usage:       "Print the active configuration as TOML",
	Description: "The output of this command can be fed back through --config.",
	Flags:       configFlags,
}

var versionCommand = &cli.Command{
	Name:  "version",
	Usage: "Print version numbers",
	Action: func(ctx *cli.Context) error {
		fmt.Println(clientIdentifier, params.VersionWithMeta)
		return nil
	},
}

func main() {
	loadEnvFile()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadEnvFile loads the environment file before urfave parses flags, so that
// EnvVars defaults pick the values up. The --env flag itself therefore has to
// be fished out of the raw arguments.
func loadEnvFile() {
	path := ".env"
	explicit := false
	for i, arg := range os.Args {
		switch {
		case arg == "--env" && i+1 < len(os.Args):
			path, explicit = os.Args[i+1], true
		case len(arg) > len("--env=") && arg[:len("--env=")] == "--env=":
			path, explicit = arg[len("--env="):], true
		}
	}
	if err := godotenv.Load(path); err != nil && explicit {
		fmt.Fprintf(os.Stderr, "can't load environment file %s: %v\n", path, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	output := io.Writer(os.Stderr)
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	if usecolor {
		output = colorable.NewColorableStderr()
	}
	handler := log.StreamHandler(output, log.TerminalFormat(usecolor))

	if logFile := ctx.String(logFileFlag.Name); logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		handler = log.MultiHandler(handler, log.StreamHandler(rotated, log.LogfmtFormat()))
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.Lvl(ctx.Int(verbosityFlag.Name)))
	log.Root().SetHandler(glogger)
}

func setupMetrics(ctx *cli.Context) {
	if !ctx.Bool(metricsEnabledFlag.Name) {
		return
	}
	addr := ctx.String(metricsAddrFlag.Name)
	log.Info("Enabling metrics collection", "addr", addr)
	exp.Setup(addr)
	go metrics.CollectProcessMetrics(3 * time.Second)
}

// tossd is the main entry: it assembles the bot from the configuration and
// runs until interrupted.
func tossd(ctx *cli.Context) error {
	if args := ctx.Args(); args.Len() > 0 {
		return fmt.Errorf("invalid command: %q", args.First())
	}
	cfg, chainCfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	console := ctx.Bool(consoleFlag.Name)
	log.Info("Starting tossd", "version", params.VersionWithMeta, "network", chainCfg.NetworkName,
		"datadir", cfg.DataDir, "db", cfg.DB, "console", console)

	st, err := openStore(cfg, chainCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// The chain backend. Console mode runs against an inert stub so the bot
	// can be tried without any node running.
	var backend chain.SendBackend
	if console {
		backend = devBackend{}
	} else {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
		cancel()
		if err != nil {
			return fmt.Errorf("chain node %s: %w", cfg.RPCURL, err)
		}
		defer client.Close()
		backend = client
	}

	provider, err := makeProvider(cfg, chainCfg, st, backend)
	if err != nil {
		return err
	}

	var w *watcher.Watcher
	if !console {
		w = watcher.New(watcher.Config{
			Backend:  backend,
			Token:    chainCfg.Stablecoin,
			Interval: cfg.Watcher.Interval,
			Lookback: cfg.Watcher.Lookback,
		})
	}

	ecfg := engine.Config{Store: st, Provider: provider, Chain: chainCfg}
	if w != nil {
		ecfg.Watcher = w
	}
	eng := engine.New(ecfg)
	defer eng.Stop()

	resolver, err := payment.NewResolver(payment.Config{
		Verifier: chain.NewVerifier(backend),
		Index:    eng,
		Token:    chainCfg.Stablecoin,
		ChainID:  chainCfg.ChainID,
	})
	if err != nil {
		return err
	}

	tossParser, err := makeParser(cfg)
	if err != nil {
		return err
	}

	// The outbound side: a relay stream in production, stdout in console
	// mode. The stream's handler closes over the agent variable, which is
	// assigned before Start lets any message through.
	var (
		bot    *agent.Agent
		sender agent.Sender
		stream *chat.Stream
		selfID string
	)
	if console {
		sender = newConsoleSender()
		selfID = clientIdentifier
	} else {
		relayKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Relay.Key, "0x"))
		if err != nil {
			return fmt.Errorf("relay identity key: %w", err)
		}
		if cfg.Relay.URL == "" {
			return fmt.Errorf("no relay URL configured (--%s)", relayURLFlag.Name)
		}
		selfID = crypto.PubkeyToAddress(relayKey.PublicKey).Hex()
		factory := func(ctx context.Context) (chat.Client, error) {
			return chat.DialRelay(ctx, chat.RelayConfig{URL: cfg.Relay.URL, Key: relayKey})
		}
		stream = chat.NewStream(factory, func(msg chat.Message) { bot.HandleMessage(msg) })
		sender = stream
	}

	bot, err = agent.New(agent.Config{
		Engine:          eng,
		Resolver:        resolver,
		Parser:          tossParser,
		Provider:        provider,
		Watcher:         w,
		Chain:           chainCfg,
		Sender:          sender,
		SelfID:          selfID,
		Prefix:          cfg.Agent.Prefix,
		AllowedCommands: cfg.Agent.Commands,
		WelcomeMessages: cfg.Agent.Welcome,
	})
	if err != nil {
		return err
	}

	// Resume watching unsettled escrows before any traffic arrives.
	recCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = eng.Reconcile(recCtx)
	cancel()
	if err != nil {
		return err
	}

	if w != nil {
		if err := w.Start(); err != nil {
			return err
		}
	}
	bot.Start()

	if console {
		runConsole(bot)
	} else {
		if err := stream.Start(); err != nil {
			return err
		}
		waitForInterrupt()
	}
	// Chain intake stops first so no new deposits arrive, then the chat
	// stream drains and closes, then the agent finishes its background
	// work. The store closes via defer once everything is quiet.
	if w != nil {
		w.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	bot.Stop()
	log.Info("Shut down cleanly")
	return nil
}

func openStore(cfg *tossdConfig, chainCfg *params.ChainConfig) (store.Store, error) {
	switch cfg.DB {
	case "memory":
		return memstore.New(), nil
	case "file":
		return filestore.Open(cfg.DataDir, chainCfg.Name)
	default:
		return leveldb.Open(filepath.Join(cfg.DataDir, chainCfg.Name, "tossdb"))
	}
}

func makeProvider(cfg *tossdConfig, chainCfg *params.ChainConfig, st store.Store, backend chain.SendBackend) (wallet.Provider, error) {
	if cfg.Wallet.URL != "" {
		return wallet.NewRemoteProvider(wallet.RemoteConfig{
			URL:    cfg.Wallet.URL,
			Secret: []byte(cfg.Wallet.Secret),
		}, st)
	}
	if cfg.Wallet.Password == "" {
		return nil, fmt.Errorf("local keystore needs a password (--%s)", walletPasswordFlag.Name)
	}
	return wallet.NewKeystoreProvider(wallet.KeystoreConfig{
		Dir:      filepath.Join(cfg.DataDir, chainCfg.Name, "keystore"),
		Password: cfg.Wallet.Password,
		Token:    chainCfg.Stablecoin,
		ChainID:  chainCfg.ChainID,
	}, st, backend), nil
}

func makeParser(cfg *tossdConfig) (parser.TossParser, error) {
	if cfg.Parser.Mode == "llm" {
		return parser.NewLLMParser(parser.LLMConfig{
			URL:    cfg.Parser.URL,
			APIKey: cfg.Parser.Key,
			Model:  cfg.Parser.Model,
		})
	}
	return parser.NewKeywordParser(), nil
}

// waitForInterrupt blocks until the first SIGINT or SIGTERM. A second signal
// kills the process without waiting for the orderly teardown.
func waitForInterrupt() {
	interrupt := make(chan os.Signal, 2)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	<-interrupt
	log.Warn("Shutting down (interrupt again to force quit)")
	go func() {
		<-interrupt
		log.Error("Forced quit")
		os.Exit(1)
	}()
}
