package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xtrntr/escrow/internal/auth"
	"github.com/xtrntr/escrow/internal/config"
	"github.com/xtrntr/escrow/internal/db"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/evidence"
	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/logging"
	"github.com/xtrntr/escrow/internal/models"
)

const demoToken models.TokenID = 10458941

// Seed the database with a demo ledger: a separate oracle, one bound token,
// a registered seller and a funded buyer.
func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log := logging.New(cfg.LogLevel, "text", "escrow-seed", cfg.Env)
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close(ctx)

	_, accounts, err := database.LoadSnapshot(ctx, cfg.Ledger.OrderCapacity)
	switch {
	case err == nil:
		fmt.Printf("Database already has a ledger with %d accounts. No need to seed.\n", len(accounts))
		return
	case !errors.Is(err, db.ErrNoSnapshot):
		log.WithError(err).Fatal("failed to check snapshot")
	}

	mode, err := ledger.ParsePremiumMode(cfg.Ledger.PremiumMode)
	if err != nil {
		log.WithError(err).Fatal("invalid premium mode")
	}
	fees := models.Fees{
		CommissionFee:   cfg.Ledger.CommissionFee,
		OracleFee:       cfg.Ledger.OracleFee,
		PremiumCost:     cfg.Ledger.PremiumCost,
		SellerInsurance: cfg.Ledger.SellerInsurance,
	}
	l, err := ledger.New(models.AccountID(cfg.Ledger.Admin), ledger.Options{
		Capacity:    cfg.Ledger.OrderCapacity,
		PremiumMode: mode,
		Fees:        &fees,
		Journal:     database,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create ledger")
	}

	app := models.AccountID(cfg.Ledger.Address)
	admin := models.AccountID(cfg.Ledger.Admin)
	d := escrow.NewDispatcher(l, escrow.Config{Address: app, SetupMinPayment: cfg.Ledger.SetupMinPayment},
		evidence.NewMemoryRegistry(), nil, nil, log)

	const (
		oracle models.AccountID = "demo-oracle"
		seller models.AccountID = "demo-seller"
		buyer  models.AccountID = "demo-buyer"
	)
	pay := func(kind models.PaymentKind, from, to models.AccountID, amount uint64, token models.TokenID) models.Payment {
		return models.Payment{TxID: uuid.NewString(), Kind: kind, Sender: from, Receiver: to, Amount: amount, Token: token}
	}
	must := func(step string, err error) {
		if err != nil {
			log.WithError(err).Fatalf("failed to %s", step)
		}
	}
	commit := func(step string, p *escrow.Pending, err error) {
		must(step, err)
		_, err = p.Complete(ctx, nil)
		must(step, err)
	}

	_, err = d.SetOracle(ctx, admin, oracle)
	must("set oracle", err)
	p, err := d.Setup(ctx, admin, demoToken, []models.Payment{
		pay(models.PaymentNative, admin, app, cfg.Ledger.SetupMinPayment, models.NativeToken),
	})
	commit("bind token", p, err)
	for _, id := range []models.AccountID{oracle, seller, buyer} {
		_, err = d.OptIn(ctx, id)
		must("opt in "+string(id), err)
	}
	p, err = d.BecomeSeller(ctx, seller, []models.Payment{
		pay(models.PaymentNative, seller, app, fees.SellerInsurance, models.NativeToken),
	})
	commit("register seller", p, err)
	p, err = d.PlaceOrder(ctx, buyer, demoToken, []models.Payment{
		pay(models.PaymentAsset, buyer, app, 25_000_000, demoToken),
		pay(models.PaymentNative, buyer, oracle, fees.OracleFee, models.NativeToken),
	})
	commit("fund buyer", p, err)
	_, err = d.OracleSettleOrder(ctx, oracle, buyer, models.Order{
		Seller:  seller,
		OrderID: "demo-order-1",
		Amount:  10_000_000,
		Token:   demoToken,
	}, 0)
	must("record order", err)

	fmt.Println("Successfully seeded the database with a demo ledger!")
	fmt.Println("Add these to auth.credentials to log in as the demo accounts:")
	for _, id := range []models.AccountID{admin, oracle, seller, buyer} {
		hash, err := auth.HashSecret(string(id))
		must("hash secret", err)
		fmt.Printf("  - account: %s\n    hash: %q  # secret %q\n", id, hash, id)
	}
}
