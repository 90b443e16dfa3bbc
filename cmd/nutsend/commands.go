package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/elnosh/nutsend/wallet"
	"github.com/elnosh/nutsend/wallet/leader"
	"github.com/elnosh/nutsend/wallet/processor"
	"github.com/elnosh/nutsend/wallet/sendquote"
	"github.com/elnosh/nutsend/wallet/submanager"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

const (
	mintFlag        = "mint"
	currencyFlag    = "currency"
	amountFlag      = "amount"
	rateFlag        = "rate"
	waitFlag        = "wait"
	metricsAddrFlag = "metrics-addr"
)

func parseCurrency(s string) (wallet.Currency, error) {
	currency := wallet.Currency(strings.ToUpper(s))
	if _, err := currency.Unit(); err != nil {
		return "", fmt.Errorf("invalid currency '%v'", s)
	}
	return currency, nil
}

func mintURLFlag(ctx *cli.Context) string {
	if ctx.IsSet(mintFlag) {
		return strings.TrimSuffix(ctx.String(mintFlag), "/")
	}
	return nutsend.config.mintURL
}

// selectAccount returns the user's account at the selected mint in the
// selected currency.
func selectAccount(ctx *cli.Context) (*wallet.Account, error) {
	currency, err := parseCurrency(ctx.String(currencyFlag))
	if err != nil {
		return nil, err
	}
	mintURL := mintURLFlag(ctx)

	accounts, err := nutsend.db.ListAccounts(ctx.Context, nutsend.config.userID)
	if err != nil {
		return nil, err
	}
	for _, account := range accounts {
		if account.MintURL == mintURL && account.Currency == currency {
			return account, nil
		}
	}
	return nil, fmt.Errorf("no %v account at %v. Add one with 'nutsend account add'", currency, mintURL)
}

var accountCmd = &cli.Command{
	Name:  "account",
	Usage: "manage mint accounts",
	Subcommands: []*cli.Command{
		{
			Name:   "add",
			Usage:  "add an account at the selected mint",
			Before: setupWallet,
			After:  closeWallet,
			Action: addAccount,
		},
		{
			Name:   "list",
			Before: setupWallet,
			After:  closeWallet,
			Action: listAccounts,
		},
	},
}

func addAccount(ctx *cli.Context) error {
	currency, err := parseCurrency(ctx.String(currencyFlag))
	if err != nil {
		printErr(err)
	}
	mintURL := mintURLFlag(ctx)

	info, err := nutsend.mints.Get(mintURL).GetMintInfo(ctx.Context)
	if err != nil {
		printErr(fmt.Errorf("could not reach mint: %v", err))
	}

	account, err := nutsend.db.CreateAccount(ctx.Context, &wallet.Account{
		ID:       uuid.NewString(),
		UserID:   nutsend.config.userID,
		MintURL:  mintURL,
		Currency: currency,
	})
	if err != nil {
		printErr(err)
	}
	fmt.Printf("added %v account %v at %v (%v)\n", currency, account.ID, mintURL, info.Name)
	return nil
}

func listAccounts(ctx *cli.Context) error {
	accounts, err := nutsend.db.ListAccounts(ctx.Context, nutsend.config.userID)
	if err != nil {
		printErr(err)
	}
	if len(accounts) == 0 {
		fmt.Println("no accounts")
		return nil
	}
	for _, account := range accounts {
		fmt.Printf("%v\t%v\t%v\t%v\n", account.ID, account.MintURL, account.Currency, account.Balance())
	}
	return nil
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	After:  closeWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	account, err := selectAccount(ctx)
	if err != nil {
		printErr(err)
	}
	unit, _ := account.Currency.Unit()
	fmt.Printf("%v %v\n", account.Balance(), unit)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	ArgsUsage: "<token>",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}
	account, err := selectAccount(ctx)
	if err != nil {
		printErr(err)
	}

	before := account.Balance()
	account, err = nutsend.receiver.Receive(ctx.Context, account, args.First())
	if err != nil {
		printErr(err)
	}
	unit, _ := account.Currency.Unit()
	fmt.Printf("%v %v received\n", account.Balance()-before, unit)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "pay a lightning invoice with ecash",
	ArgsUsage: "<invoice>",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  amountFlag,
			Usage: "amount to pay for amountless invoices, in the account currency",
		},
		&cli.StringFlag{
			Name:  rateFlag,
			Usage: "exchange rate from BTC to the account currency",
		},
		&cli.DurationFlag{
			Name:  waitFlag,
			Usage: "how long to wait for the payment to settle",
			Value: time.Minute,
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	account, err := selectAccount(ctx)
	if err != nil {
		printErr(err)
	}

	params := sendquote.GetQuoteParams{Invoice: args.First()}
	if ctx.IsSet(amountFlag) {
		amount := ctx.Uint64(amountFlag)
		params.Amount = &amount
	}
	if ctx.IsSet(rateFlag) {
		rate, err := decimal.NewFromString(ctx.String(rateFlag))
		if err != nil {
			printErr(fmt.Errorf("invalid exchange rate: %v", err))
		}
		params.ExchangeRate = &rate
	}

	estimate, err := nutsend.sendQuotes.GetQuote(ctx.Context, account, params)
	if err != nil {
		printErr(err)
	}
	quote, _, err := nutsend.sendQuotes.CreateSendQuote(ctx.Context, account, estimate)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("send quote %v: %v + up to %v fee reserve\n", quote.ID, quote.AmountToReceive, quote.LightningFeeReserve)

	waitCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration(waitFlag))
	defer cancel()
	stop, err := startProcessing(waitCtx)
	if err != nil {
		printErr(err)
	}
	quote, err = waitForQuote(waitCtx, quote.ID)
	cancel()
	stop()
	if err != nil || quote == nil {
		fmt.Println("payment not settled yet. A running 'nutsend process' will finish it")
		return nil
	}

	switch quote.State {
	case wallet.SendQuotePaid:
		fmt.Printf("invoice paid. spent %v, lightning fee %v\n", quote.AmountSpent, quote.LightningFee)
	case wallet.SendQuoteFailed:
		fmt.Printf("payment failed: %v\n", quote.FailureReason)
	default:
		fmt.Printf("send quote %v\n", strings.ToLower(string(quote.State)))
	}
	return nil
}

// waitForQuote polls the quote until it is final or ctx is done. It
// always returns the last quote read.
func waitForQuote(ctx context.Context, id string) (*wallet.SendQuote, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var quote *wallet.SendQuote
	for {
		latest, err := nutsend.db.GetSendQuote(ctx, id)
		if err == nil {
			quote = latest
			if quote.State.IsFinal() {
				return quote, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return quote, ctx.Err()
		}
	}
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "create a token for an exact amount",
	ArgsUsage: "<amount>",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}
	account, err := selectAccount(ctx)
	if err != nil {
		printErr(err)
	}

	swap, account, err := nutsend.sendSwaps.Create(ctx.Context, account, amount)
	if err != nil {
		printErr(err)
	}
	if swap.State == wallet.SendSwapDraft {
		swap, _, err = nutsend.sendSwaps.SwapForProofsToSend(ctx.Context, account, swap)
		if err != nil {
			printErr(err)
		}
	}

	token, err := nutsend.sendSwaps.Token(swap)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("send swap %v\n%v\n", swap.ID, token)
	return nil
}

var reclaimCmd = &cli.Command{
	Name:      "reclaim",
	Usage:     "take back an unclaimed token",
	ArgsUsage: "<send swap id>",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    reclaim,
}

func reclaim(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify the send swap to reclaim"))
	}
	swap, err := nutsend.db.GetSendSwap(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}
	account, err := nutsend.db.GetAccount(ctx.Context, swap.AccountID)
	if err != nil {
		printErr(err)
	}

	_, account, err = nutsend.sendSwaps.Reverse(ctx.Context, account, swap)
	if errors.Is(err, wallet.ErrAlreadyClaimed) {
		if _, err := nutsend.sendSwaps.Complete(ctx.Context, swap); err != nil {
			printErr(err)
		}
		fmt.Println("token was already claimed by the recipient")
		return nil
	} else if err != nil {
		printErr(err)
	}
	fmt.Printf("token reclaimed. balance: %v\n", account.Balance())
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "list unresolved payments and tokens",
	Before: setupWallet,
	After:  closeWallet,
	Action: listPending,
}

func listPending(ctx *cli.Context) error {
	quotes, err := nutsend.db.GetUnresolvedSendQuotes(ctx.Context, nutsend.config.userID)
	if err != nil {
		printErr(err)
	}
	swaps, err := nutsend.db.GetUnresolvedSendSwaps(ctx.Context, nutsend.config.userID)
	if err != nil {
		printErr(err)
	}
	if len(quotes) == 0 && len(swaps) == 0 {
		fmt.Println("nothing pending")
		return nil
	}
	for _, quote := range quotes {
		fmt.Printf("quote\t%v\t%v\t%v\texpires %v\n", quote.ID, quote.State, quote.AmountToReceive,
			quote.ExpiresAt.Format(time.RFC3339))
	}
	for _, swap := range swaps {
		fmt.Printf("swap\t%v\t%v\t%v\n", swap.ID, swap.State, swap.AmountToSend)
	}
	return nil
}

var processCmd = &cli.Command{
	Name:   "process",
	Usage:  "run background processing of payments and tokens until interrupted",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  metricsAddrFlag,
			Usage: "address to serve /metrics on. Defaults to NUTSEND_METRICS_ADDR",
		},
	},
	Action: process,
}

func process(ctx *cli.Context) error {
	sigCtx, cancel := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	addr := nutsend.config.metricsAddr
	if ctx.IsSet(metricsAddrFlag) {
		addr = ctx.String(metricsAddrFlag)
	}
	server := metricsServer(addr)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			nutsend.logger.Error("metrics server stopped", "error", err)
		}
	}()
	nutsend.logger.Info("serving metrics", "addr", addr)

	stop, err := startProcessing(sigCtx)
	if err != nil {
		printErr(err)
	}
	<-sigCtx.Done()
	stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

func metricsServer(addr string) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(nutsend.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !nutsend.feed.Connected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
}

// startProcessing runs the task lease and the send processor until ctx
// is done. The returned func waits for both to stop and releases their
// subscriptions.
func startProcessing(ctx context.Context) (func(), error) {
	lease, err := leader.NewLease(leader.Config{
		Store:  nutsend.db,
		UserID: nutsend.config.userID,
		TTL:    nutsend.config.leaseTTL,
		Logger: nutsend.logger,
	})
	if err != nil {
		return nil, err
	}

	wsPool := submanager.NewPool(nutsend.mints)
	subConfig := submanager.Config{Pool: wsPool, Logger: nutsend.logger, Metrics: nutsend.metrics}
	melts := submanager.NewMeltSubscriptionManager(subConfig)
	proofs := submanager.NewProofSubscriptionManager(subConfig)

	p, err := processor.New(processor.Config{
		UserID:             nutsend.config.userID,
		Feed:               nutsend.feed,
		Store:              nutsend.db,
		Mints:              nutsend.mints,
		SendQuotes:         nutsend.sendQuotes,
		SendSwaps:          nutsend.sendSwaps,
		MeltSubscriptions:  melts,
		ProofSubscriptions: proofs,
		Leader:             lease,
		Logger:             nutsend.logger,
	})
	if err != nil {
		return nil, err
	}

	// the first poll happens before the processor starts so a single
	// instance initiates its own payments right away
	lease.Poll(ctx)
	leaseDone := make(chan struct{})
	go func() {
		lease.Run(ctx)
		close(leaseDone)
	}()
	processorDone := make(chan struct{})
	go func() {
		if err := p.Run(ctx); err != nil {
			nutsend.logger.Error("send processor stopped", "error", err)
		}
		close(processorDone)
	}()

	return func() {
		<-processorDone
		<-leaseDone
		melts.Close()
		proofs.Close()
		wsPool.Close()
	}, nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
