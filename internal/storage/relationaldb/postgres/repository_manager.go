// Package postgres implements the relationaldb repositories on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/betlink/betlinkd/internal/crypto"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// RepositoryManager implements relationaldb.RepositoryManager for PostgreSQL.
type RepositoryManager struct {
	db     *sql.DB
	config relationaldb.Config
	enc    *crypto.Encryptor

	walletRepo      *WalletRepository
	transactionRepo *TransactionRepository
	partnerRepo     *PartnerRepository
	apiKeyRepo      *APIKeyRepository
	amlRepo         *AMLRepository
}

// NewRepositoryManager creates an unopened manager. The encryptor is used to
// keep transaction amounts encrypted at rest.
func NewRepositoryManager(config relationaldb.Config, enc *crypto.Encryptor) (*RepositoryManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &RepositoryManager{config: config, enc: enc}, nil
}

// Open connects, configures the pool, initializes the schema and builds the
// repository instances.
func (rm *RepositoryManager) Open(ctx context.Context) error {
	db, err := sql.Open("postgres", rm.config.ConnectionString())
	if err != nil {
		return relationaldb.NewConnectionError("open", "failed to open database connection", err)
	}

	db.SetMaxOpenConns(rm.config.MaxOpenConns)
	db.SetMaxIdleConns(rm.config.MaxIdleConns)
	db.SetConnMaxLifetime(rm.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(rm.config.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, rm.config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return relationaldb.NewConnectionError("open", "failed to ping database", err)
	}

	rm.db = db

	if err := rm.initSchema(ctx); err != nil {
		rm.db.Close()
		rm.db = nil
		return err
	}

	rm.walletRepo = NewWalletRepository(db)
	rm.transactionRepo = NewTransactionRepository(db, rm.enc)
	rm.partnerRepo = NewPartnerRepository(db)
	rm.apiKeyRepo = NewAPIKeyRepository(db)
	rm.amlRepo = NewAMLRepository(db)

	return nil
}

// Close releases the connection pool.
func (rm *RepositoryManager) Close(ctx context.Context) error {
	if rm.db == nil {
		return nil
	}
	err := rm.db.Close()
	rm.db = nil
	if err != nil {
		return relationaldb.NewConnectionError("close", "failed to close database connection", err)
	}
	return nil
}

// Ping checks store liveness for health reporting.
func (rm *RepositoryManager) Ping(ctx context.Context) error {
	if rm.db == nil {
		return relationaldb.NewConnectionError("ping", "database is not open", nil)
	}
	if err := rm.db.PingContext(ctx); err != nil {
		return relationaldb.NewConnectionError("ping", "database ping failed", err)
	}
	return nil
}

func (rm *RepositoryManager) Wallets() relationaldb.WalletRepository           { return rm.walletRepo }
func (rm *RepositoryManager) Transactions() relationaldb.TransactionRepository { return rm.transactionRepo }
func (rm *RepositoryManager) Partners() relationaldb.PartnerRepository         { return rm.partnerRepo }
func (rm *RepositoryManager) APIKeys() relationaldb.APIKeyRepository           { return rm.apiKeyRepo }
func (rm *RepositoryManager) AML() relationaldb.AMLRepository                  { return rm.amlRepo }

// WithTransaction runs fn inside a single database transaction, rolling back
// on error or panic.
func (rm *RepositoryManager) WithTransaction(ctx context.Context, fn func(relationaldb.TransactionContext) error) error {
	if rm.db == nil {
		return relationaldb.NewConnectionError("with_transaction", "database is not open", nil)
	}

	tx, err := rm.db.BeginTx(ctx, nil)
	if err != nil {
		return relationaldb.NewTransactionError("with_transaction", "failed to begin transaction", err)
	}

	tc := NewTransactionContext(tx, rm.enc)

	defer func() {
		if p := recover(); p != nil {
			tc.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tc); err != nil {
		tc.Rollback(ctx)
		return err
	}

	return tc.Commit(ctx)
}

// initSchema creates the tables and the indexes the wallet engine relies on
// for idempotency and lock ordering.
func (rm *RepositoryManager) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS partners (
			id UUID PRIMARY KEY,
			code VARCHAR(64) UNIQUE NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			allowed_ips TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id UUID PRIMARY KEY,
			partner_id UUID NOT NULL REFERENCES partners(id),
			key_hash VARCHAR(64) NOT NULL,
			permissions TEXT[] NOT NULL DEFAULT '{}',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			expires_at TIMESTAMP WITH TIME ZONE,
			last_used_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (key_hash)
		)`,

		`CREATE TABLE IF NOT EXISTS wallets (
			id UUID PRIMARY KEY,
			player_id UUID NOT NULL,
			partner_id UUID NOT NULL REFERENCES partners(id),
			currency CHAR(3) NOT NULL,
			balance NUMERIC(20,4) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			locked BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (player_id, partner_id, currency)
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id UUID PRIMARY KEY,
			reference_id VARCHAR(128) NOT NULL,
			wallet_id UUID NOT NULL REFERENCES wallets(id) ON DELETE CASCADE,
			player_id UUID NOT NULL,
			partner_id UUID NOT NULL,
			tx_type VARCHAR(16) NOT NULL,
			amount_encrypted TEXT NOT NULL,
			currency CHAR(3) NOT NULL,
			status VARCHAR(16) NOT NULL,
			original_balance NUMERIC(20,4) NOT NULL,
			updated_balance NUMERIC(20,4) NOT NULL,
			original_transaction_id UUID,
			game_id VARCHAR(128),
			game_session_id VARCHAR(128),
			metadata JSONB,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE (partner_id, reference_id)
		)`,

		`CREATE TABLE IF NOT EXISTS aml_risk_profiles (
			player_id UUID NOT NULL,
			partner_id UUID NOT NULL,
			risk_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_level VARCHAR(16) NOT NULL DEFAULT 'low',
			deposit_count_7d INTEGER NOT NULL DEFAULT 0,
			deposit_sum_7d NUMERIC(20,4) NOT NULL DEFAULT 0,
			deposit_count_30d INTEGER NOT NULL DEFAULT 0,
			deposit_sum_30d NUMERIC(20,4) NOT NULL DEFAULT 0,
			withdrawal_count_7d INTEGER NOT NULL DEFAULT 0,
			withdrawal_sum_7d NUMERIC(20,4) NOT NULL DEFAULT 0,
			withdrawal_count_30d INTEGER NOT NULL DEFAULT 0,
			withdrawal_sum_30d NUMERIC(20,4) NOT NULL DEFAULT 0,
			risk_factors JSONB NOT NULL DEFAULT '{}',
			last_calculated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (player_id, partner_id)
		)`,

		`CREATE TABLE IF NOT EXISTS aml_alerts (
			id UUID PRIMARY KEY,
			player_id UUID NOT NULL,
			partner_id UUID NOT NULL,
			transaction_id UUID,
			alert_type VARCHAR(16) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'open',
			score_at_alert DOUBLE PRECISION NOT NULL,
			factors JSONB NOT NULL DEFAULT '{}',
			description TEXT,
			report_required BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT,
			reported_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_created ON transactions(wallet_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_player_created ON transactions(player_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_aml_alerts_partner_created ON aml_alerts(partner_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_aml_alerts_player ON aml_alerts(player_id)`,
	}

	for _, query := range queries {
		if _, err := rm.db.ExecContext(ctx, query); err != nil {
			return relationaldb.NewSchemaError("init_schema", "failed to execute schema query", err)
		}
	}

	return nil
}
