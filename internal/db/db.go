package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtrntr/escrow/internal/ledger"
	"github.com/xtrntr/escrow/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool. It journals ledger changesets and
// loads the snapshot the ledger is restored from at startup.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Apply writes a changeset in one database transaction. It implements
// ledger.Journal, so a failure here keeps the change out of memory too.
func (db *DB) Apply(ctx context.Context, cs *ledger.Changeset) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if cs.Config != nil {
		if err := writeConfig(ctx, tx, cs.Config); err != nil {
			return err
		}
	}
	for _, a := range cs.Accounts {
		if err := writeAccount(ctx, tx, a); err != nil {
			return err
		}
	}
	for _, id := range cs.Closed {
		if _, err := tx.Exec(ctx, "DELETE FROM accounts WHERE id = $1", string(id)); err != nil {
			return fmt.Errorf("failed to close account %s: %w", id, err)
		}
	}
	for _, t := range cs.Transfers {
		_, err := tx.Exec(ctx,
			"INSERT INTO transfers (id, receiver, token_id, amount) VALUES ($1, $2, $3::numeric, $4::numeric)",
			t.ID, string(t.Receiver), num(uint64(t.Token)), num(t.Amount))
		if err != nil {
			return fmt.Errorf("failed to record transfer: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func writeConfig(ctx context.Context, tx pgx.Tx, cfg *models.GlobalConfig) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO global_config (id, admin, oracle, commission_fee, oracle_fee, premium_cost, seller_insurance)
		VALUES (1, $1, $2, $3::numeric, $4::numeric, $5::numeric, $6::numeric)
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			oracle = EXCLUDED.oracle,
			commission_fee = EXCLUDED.commission_fee,
			oracle_fee = EXCLUDED.oracle_fee,
			premium_cost = EXCLUDED.premium_cost,
			seller_insurance = EXCLUDED.seller_insurance,
			updated_at = NOW()`,
		string(cfg.Admin), string(cfg.Oracle),
		num(cfg.Fees.CommissionFee), num(cfg.Fees.OracleFee), num(cfg.Fees.PremiumCost), num(cfg.Fees.SellerInsurance))
	if err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM tokens"); err != nil {
		return fmt.Errorf("failed to reset tokens: %w", err)
	}
	for token, bound := range cfg.Tokens {
		if !bound {
			continue
		}
		if _, err := tx.Exec(ctx, "INSERT INTO tokens (token_id) VALUES ($1::numeric)", num(uint64(token))); err != nil {
			return fmt.Errorf("failed to write token %d: %w", token, err)
		}
	}
	if _, err := tx.Exec(ctx, "DELETE FROM earnings"); err != nil {
		return fmt.Errorf("failed to reset earnings: %w", err)
	}
	for token, amount := range cfg.Earning {
		_, err := tx.Exec(ctx, "INSERT INTO earnings (token_id, amount) VALUES ($1::numeric, $2::numeric)",
			num(uint64(token)), num(amount))
		if err != nil {
			return fmt.Errorf("failed to write earning of token %d: %w", token, err)
		}
	}
	return nil
}

func writeAccount(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO accounts (id, is_seller, is_premium, order_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			is_seller = EXCLUDED.is_seller,
			is_premium = EXCLUDED.is_premium,
			order_count = EXCLUDED.order_count,
			updated_at = NOW()`,
		string(a.ID), a.Roles.Seller, a.Roles.Premium, int16(a.OrderCount))
	if err != nil {
		return fmt.Errorf("failed to write account %s: %w", a.ID, err)
	}

	// balances and slots are small and rewritten whole
	if _, err := tx.Exec(ctx, "DELETE FROM balances WHERE account_id = $1", string(a.ID)); err != nil {
		return fmt.Errorf("failed to reset balances of %s: %w", a.ID, err)
	}
	for token, b := range a.Balances {
		_, err := tx.Exec(ctx,
			"INSERT INTO balances (account_id, token_id, deposit, income) VALUES ($1, $2::numeric, $3::numeric, $4::numeric)",
			string(a.ID), num(uint64(token)), num(b.Deposit), num(b.Income))
		if err != nil {
			return fmt.Errorf("failed to write balance of %s: %w", a.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, "DELETE FROM orders WHERE account_id = $1", string(a.ID)); err != nil {
		return fmt.Errorf("failed to reset orders of %s: %w", a.ID, err)
	}
	for slot, o := range a.Orders {
		if o == nil {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO orders (account_id, slot, order_id, seller, amount, token_id, status)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7)`,
			string(a.ID), int16(slot), o.OrderID, string(o.Seller), num(o.Amount), num(uint64(o.Token)), string(o.Status))
		if err != nil {
			return fmt.Errorf("failed to write order %q of %s: %w", o.OrderID, a.ID, err)
		}
	}
	return nil
}

// ErrNoSnapshot means the database holds no ledger yet.
var ErrNoSnapshot = errors.New("no ledger snapshot")

// LoadSnapshot reads the persisted ledger. capacity sizes every account's
// order slots and must match the capacity the ledger was created with.
func (db *DB) LoadSnapshot(ctx context.Context, capacity int) (models.GlobalConfig, []*models.Account, error) {
	cfg, err := db.loadConfig(ctx)
	if err != nil {
		return models.GlobalConfig{}, nil, err
	}
	accounts, err := db.loadAccounts(ctx, capacity)
	if err != nil {
		return models.GlobalConfig{}, nil, err
	}
	return cfg, accounts, nil
}

func (db *DB) loadConfig(ctx context.Context) (models.GlobalConfig, error) {
	var admin, oracle string
	var fees [4]string
	err := db.Pool.QueryRow(ctx, `
		SELECT admin, oracle, commission_fee::text, oracle_fee::text, premium_cost::text, seller_insurance::text
		FROM global_config WHERE id = 1`).Scan(&admin, &oracle, &fees[0], &fees[1], &fees[2], &fees[3])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GlobalConfig{}, ErrNoSnapshot
		}
		return models.GlobalConfig{}, fmt.Errorf("failed to get config: %w", err)
	}

	var parsed [4]uint64
	for i, s := range fees {
		if parsed[i], err = u64(s); err != nil {
			return models.GlobalConfig{}, fmt.Errorf("parse fee: %w", err)
		}
	}
	cfg := models.GlobalConfig{
		Admin:  models.AccountID(admin),
		Oracle: models.AccountID(oracle),
		Fees: models.Fees{
			CommissionFee:   parsed[0],
			OracleFee:       parsed[1],
			PremiumCost:     parsed[2],
			SellerInsurance: parsed[3],
		},
		Tokens:  map[models.TokenID]bool{},
		Earning: map[models.TokenID]uint64{},
	}

	rows, err := db.Pool.Query(ctx, "SELECT token_id::text FROM tokens")
	if err != nil {
		return models.GlobalConfig{}, fmt.Errorf("failed to get tokens: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return models.GlobalConfig{}, fmt.Errorf("failed to scan token: %w", err)
		}
		token, err := u64(s)
		if err != nil {
			return models.GlobalConfig{}, fmt.Errorf("parse token: %w", err)
		}
		cfg.Tokens[models.TokenID(token)] = true
	}
	if err := rows.Err(); err != nil {
		return models.GlobalConfig{}, err
	}

	rows, err = db.Pool.Query(ctx, "SELECT token_id::text, amount::text FROM earnings")
	if err != nil {
		return models.GlobalConfig{}, fmt.Errorf("failed to get earnings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tokenStr, amountStr string
		if err := rows.Scan(&tokenStr, &amountStr); err != nil {
			return models.GlobalConfig{}, fmt.Errorf("failed to scan earning: %w", err)
		}
		token, err := u64(tokenStr)
		if err != nil {
			return models.GlobalConfig{}, fmt.Errorf("parse token: %w", err)
		}
		amount, err := u64(amountStr)
		if err != nil {
			return models.GlobalConfig{}, fmt.Errorf("parse earning: %w", err)
		}
		cfg.Earning[models.TokenID(token)] = amount
	}
	return cfg, rows.Err()
}

func (db *DB) loadAccounts(ctx context.Context, capacity int) ([]*models.Account, error) {
	rows, err := db.Pool.Query(ctx, "SELECT id, is_seller, is_premium, order_count FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	byID := map[models.AccountID]*models.Account{}
	for rows.Next() {
		var id string
		var count int16
		a := &models.Account{Balances: map[models.TokenID]*models.Balance{}, Orders: make([]*models.Order, capacity)}
		if err := rows.Scan(&id, &a.Roles.Seller, &a.Roles.Premium, &count); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		if int(count) > capacity {
			return nil, fmt.Errorf("account %s has %d orders, capacity is %d", id, count, capacity)
		}
		a.ID = models.AccountID(id)
		a.OrderCount = uint8(count)
		accounts = append(accounts, a)
		byID[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := db.loadBalances(ctx, byID); err != nil {
		return nil, err
	}
	if err := db.loadOrders(ctx, byID); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (db *DB) loadBalances(ctx context.Context, byID map[models.AccountID]*models.Account) error {
	rows, err := db.Pool.Query(ctx, "SELECT account_id, token_id::text, deposit::text, income::text FROM balances")
	if err != nil {
		return fmt.Errorf("failed to get balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, tokenStr, depositStr, incomeStr string
		if err := rows.Scan(&id, &tokenStr, &depositStr, &incomeStr); err != nil {
			return fmt.Errorf("failed to scan balance: %w", err)
		}
		a, ok := byID[models.AccountID(id)]
		if !ok {
			continue
		}
		token, err := u64(tokenStr)
		if err != nil {
			return fmt.Errorf("parse token: %w", err)
		}
		var b models.Balance
		if b.Deposit, err = u64(depositStr); err != nil {
			return fmt.Errorf("parse deposit: %w", err)
		}
		if b.Income, err = u64(incomeStr); err != nil {
			return fmt.Errorf("parse income: %w", err)
		}
		a.Balances[models.TokenID(token)] = &b
	}
	return rows.Err()
}

func (db *DB) loadOrders(ctx context.Context, byID map[models.AccountID]*models.Account) error {
	rows, err := db.Pool.Query(ctx, `
		SELECT account_id, slot, order_id, seller, amount::text, token_id::text, status
		FROM orders ORDER BY account_id, slot`)
	if err != nil {
		return fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, orderID, seller, amountStr, tokenStr, status string
		var slot int16
		if err := rows.Scan(&id, &slot, &orderID, &seller, &amountStr, &tokenStr, &status); err != nil {
			return fmt.Errorf("failed to scan order: %w", err)
		}
		a, ok := byID[models.AccountID(id)]
		if !ok {
			continue
		}
		if int(slot) >= len(a.Orders) {
			return fmt.Errorf("order %q of %s in slot %d beyond capacity %d", orderID, id, slot, len(a.Orders))
		}
		amount, err := u64(amountStr)
		if err != nil {
			return fmt.Errorf("parse order amount: %w", err)
		}
		token, err := u64(tokenStr)
		if err != nil {
			return fmt.Errorf("parse order token: %w", err)
		}
		a.Orders[slot] = &models.Order{
			Seller:  models.AccountID(seller),
			OrderID: orderID,
			Amount:  amount,
			Token:   models.TokenID(token),
			Status:  models.OrderStatus(status),
		}
	}
	return rows.Err()
}

// Transfers lists the recorded transfer instructions of a receiver, newest
// first.
func (db *DB) Transfers(ctx context.Context, receiver models.AccountID, limit int) ([]models.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id::text, receiver, token_id::text, amount::text
		FROM transfers
		WHERE receiver = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(receiver), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers: %w", err)
	}
	defer rows.Close()

	transfers := []models.Transfer{}
	for rows.Next() {
		var id, recv, tokenStr, amountStr string
		if err := rows.Scan(&id, &recv, &tokenStr, &amountStr); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		token, err := u64(tokenStr)
		if err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		amount, err := u64(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		transfers = append(transfers, models.Transfer{
			ID:       id,
			Receiver: models.AccountID(recv),
			Token:    models.TokenID(token),
			Amount:   amount,
		})
	}
	return transfers, rows.Err()
}

func num(v uint64) string { return strconv.FormatUint(v, 10) }

func u64(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}
