package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/changefeed"
	"github.com/elnosh/nutsend/wallet/client"
	"github.com/elnosh/nutsend/wallet/keysets"
	"github.com/elnosh/nutsend/wallet/leader"
	"github.com/elnosh/nutsend/wallet/metrics"
	receivesvc "github.com/elnosh/nutsend/wallet/receive"
	"github.com/elnosh/nutsend/wallet/sendquote"
	"github.com/elnosh/nutsend/wallet/sendswap"
	"github.com/elnosh/nutsend/wallet/storage/sqlite"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

const (
	defaultMintURL     = "http://127.0.0.1:3338"
	defaultUserID      = "local"
	defaultMetricsAddr = "127.0.0.1:9464"
	keysetRefresh      = 10 * time.Minute
)

type config struct {
	path        string
	mintURL     string
	userID      string
	logLevel    string
	metricsAddr string
	leaseTTL    time.Duration
}

func walletConfig() (config, error) {
	path := os.Getenv("NUTSEND_PATH")
	if path == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			return config{}, err
		}
		path = filepath.Join(homedir, ".nutsend")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		return config{}, err
	}

	// .env in the wallet dir, else in the working dir. Variables already
	// set in the environment win.
	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		if wd, err := os.Getwd(); err == nil {
			envPath = filepath.Join(wd, ".env")
		}
	}
	godotenv.Load(envPath)

	// default config
	conf := config{
		path:        path,
		mintURL:     defaultMintURL,
		userID:      defaultUserID,
		logLevel:    "info",
		metricsAddr: defaultMetricsAddr,
		leaseTTL:    leader.DefaultTTL,
	}
	if mintURL := os.Getenv("MINT_URL"); mintURL != "" {
		conf.mintURL = strings.TrimSuffix(mintURL, "/")
	}
	if userID := os.Getenv("NUTSEND_USER_ID"); userID != "" {
		conf.userID = userID
	}
	if level := os.Getenv("NUTSEND_LOG_LEVEL"); level != "" {
		conf.logLevel = strings.ToLower(level)
	}
	if addr := os.Getenv("NUTSEND_METRICS_ADDR"); addr != "" {
		conf.metricsAddr = addr
	}
	if ttl := os.Getenv("NUTSEND_LEASE_TTL"); ttl != "" {
		leaseTTL, err := time.ParseDuration(ttl)
		if err != nil {
			return config{}, fmt.Errorf("invalid NUTSEND_LEASE_TTL: %v", err)
		}
		conf.leaseTTL = leaseTTL
	}
	return conf, nil
}

func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "disable":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	default:
		return nil, fmt.Errorf("invalid log level '%v'", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})), nil
}

type nutsendWallet struct {
	config   config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	feed        *changefeed.Feed
	db          *sqlite.SQLiteDB
	keysetStore *keysets.Store
	mints       *client.Pool

	receiver   *receivesvc.Service
	sendQuotes *sendquote.Service
	sendSwaps  *sendswap.Service
}

var nutsend *nutsendWallet

func setupWallet(ctx *cli.Context) error {
	conf, err := walletConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(conf.logLevel, os.Stderr)
	if err != nil {
		return err
	}

	feed := changefeed.New()
	db, err := sqlite.InitSQLite(conf.path, feed)
	if err != nil {
		return fmt.Errorf("error setting up wallet db: %v", err)
	}
	keysetStore, err := keysets.OpenStore(conf.path)
	if err != nil {
		return fmt.Errorf("error setting up keyset store: %v", err)
	}

	mnemonic, err := keysetStore.GetMnemonic()
	if errors.Is(err, keysets.ErrMnemonicNotFound) {
		mnemonic, err = wallet.NewMnemonic()
		if err != nil {
			return err
		}
		if err := keysetStore.SaveMnemonic(mnemonic); err != nil {
			return err
		}
		logger.Info("created new wallet seed", "path", conf.path)
	} else if err != nil {
		return err
	}
	master, err := wallet.MasterKey(mnemonic)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	walletMetrics := metrics.New(registry)
	mints := client.NewPool()
	provider := keysets.NewProvider(keysetStore, mints, keysetRefresh, logger)

	receiver, err := receivesvc.NewService(receivesvc.Config{
		Store:   db,
		Mints:   mints,
		Keysets: provider,
		Master:  master,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	sendQuotes, err := sendquote.NewService(sendquote.Config{
		Store:   db,
		Mints:   mints,
		Keysets: provider,
		Master:  master,
		Logger:  logger,
		Metrics: walletMetrics,
	})
	if err != nil {
		return err
	}
	sendSwaps, err := sendswap.NewService(sendswap.Config{
		Store:    db,
		Mints:    mints,
		Keysets:  provider,
		Receiver: receiver,
		Master:   master,
		Logger:   logger,
		Metrics:  walletMetrics,
	})
	if err != nil {
		return err
	}

	nutsend = &nutsendWallet{
		config:      conf,
		logger:      logger,
		registry:    registry,
		metrics:     walletMetrics,
		feed:        feed,
		db:          db,
		keysetStore: keysetStore,
		mints:       mints,
		receiver:    receiver,
		sendQuotes:  sendQuotes,
		sendSwaps:   sendSwaps,
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if nutsend == nil {
		return nil
	}
	nutsend.keysetStore.Close()
	return nutsend.db.Close()
}

func main() {
	app := &cli.App{
		Name:  "nutsend",
		Usage: "send ecash as tokens or lightning payments",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  mintFlag,
				Usage: "mint of the account to use. Defaults to MINT_URL",
			},
			&cli.StringFlag{
				Name:  currencyFlag,
				Usage: "currency of the account to use (BTC or USD)",
				Value: string(wallet.BTC),
			},
		},
		Commands: []*cli.Command{
			accountCmd,
			balanceCmd,
			receiveCmd,
			payCmd,
			sendCmd,
			reclaimCmd,
			pendingCmd,
			processCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
