// Package sqlstore implements store.Store on database/sql for PostgreSQL
// (lib/pq) and SQLite (modernc.org/sqlite).
//
// Escrow debits follow the lock-check-update pattern: the escrow row is read
// with SELECT ... FOR UPDATE on postgres, the new balance is checked in Go and
// then written back inside the same transaction. SQLite runs on a single
// connection, which serializes transactions.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/store"
)

var (
	//go:embed schema/postgres.sql
	postgresSchema string
	//go:embed schema/sqlite.sql
	sqliteSchema string
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements store.Store.
type Store struct {
	reader
	db     *sql.DB
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn with the driver for dialectName ("postgres" or "sqlite")
// and verifies the connection.
func Open(ctx context.Context, dialectName, dsn string) (*Store, error) {
	// driver names match the dialect names
	db, err := sql.Open(dialectName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialectName, err)
	}
	s, err := New(db, dialectName)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialectName, err)
	}
	return s, nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialectName string) (*Store, error) {
	d, err := lookupDialect(dialectName)
	if err != nil {
		return nil, err
	}
	if d.name == DialectSQLite {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	return &Store{
		reader: reader{q: db, d: d},
		db:     db,
		logger: slog.Default().With("component", "sqlstore", "dialect", d.name),
	}, nil
}

// Migrate creates the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if s.d.name == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate %s schema: %w", s.d.name, err)
	}
	s.logger.Debug("schema migrated")
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ListActiveContracts(ctx context.Context, dealRoomID string) ([]*contracts.SettlementContract, error) {
	rows, err := s.q.QueryContext(ctx, s.d.rebind(selectContract+` WHERE deal_room_id = ? AND is_active = ? ORDER BY id`), dealRoomID, true)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*contracts.SettlementContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveContract upserts the contract definition. Aggregates and created_at of an
// existing row are left untouched.
func (s *Store) SaveContract(ctx context.Context, c *contracts.SettlementContract) error {
	if c.ID == "" {
		return errors.New("contract id is required")
	}
	conds, err := contracts.EncodeConditions(c.Conditions)
	if err != nil {
		return err
	}
	rules, err := json.Marshal(c.PayoutRules)
	if err != nil {
		return fmt.Errorf("encode payout rules: %w", err)
	}
	query := `INSERT INTO settlement_contracts (
		id, deal_room_id, name, trigger_type, trigger_conditions, condition_expression, payout_rules,
		is_active, payout_priority, external_confirmation_required, external_confirmation_source,
		confirmation_timeout_seconds, minimum_escrow_required, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		deal_room_id = EXCLUDED.deal_room_id,
		name = EXCLUDED.name,
		trigger_type = EXCLUDED.trigger_type,
		trigger_conditions = EXCLUDED.trigger_conditions,
		condition_expression = EXCLUDED.condition_expression,
		payout_rules = EXCLUDED.payout_rules,
		is_active = EXCLUDED.is_active,
		payout_priority = EXCLUDED.payout_priority,
		external_confirmation_required = EXCLUDED.external_confirmation_required,
		external_confirmation_source = EXCLUDED.external_confirmation_source,
		confirmation_timeout_seconds = EXCLUDED.confirmation_timeout_seconds,
		minimum_escrow_required = EXCLUDED.minimum_escrow_required`
	_, err = s.db.ExecContext(ctx, s.d.rebind(query),
		c.ID, c.DealRoomID, c.Name, string(c.TriggerType), string(conds), c.ConditionExpression, string(rules),
		c.IsActive, c.PayoutPriority, c.ExternalConfirmationRequired, c.ExternalConfirmationSource,
		c.ConfirmationTimeoutSeconds, c.MinimumEscrowRequired, s.d.timeArg(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save contract %s: %w", c.ID, err)
	}
	return nil
}

// SaveEscrow creates the escrow or updates its threshold. Balances change only
// through Tx.UpdateEscrowBalance.
func (s *Store) SaveEscrow(ctx context.Context, e *contracts.Escrow) error {
	if e.ID == "" || e.DealRoomID == "" {
		return errors.New("escrow id and deal room id are required")
	}
	query := `INSERT INTO deal_room_escrows (
		id, deal_room_id, current_balance, minimum_balance_threshold, total_released, total_deposited, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (deal_room_id) DO UPDATE SET
		minimum_balance_threshold = EXCLUDED.minimum_balance_threshold,
		updated_at = EXCLUDED.updated_at`
	_, err := s.db.ExecContext(ctx, s.d.rebind(query),
		e.ID, e.DealRoomID, e.CurrentBalance, e.MinimumBalanceThreshold, e.TotalReleased, e.TotalDeposited, s.d.timeArg(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save escrow %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) ListPayouts(ctx context.Context, executionID string) ([]*contracts.Payout, error) {
	rows, err := s.q.QueryContext(ctx, s.d.rebind(`
		SELECT id, execution_id, participant_id, amount, percentage, status, created_at
		FROM settlement_payouts WHERE execution_id = ? ORDER BY position`), executionID)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*contracts.Payout{}
	for rows.Next() {
		var (
			p       contracts.Payout
			status  string
			created sqlTime
		)
		if err := rows.Scan(&p.ID, &p.ExecutionID, &p.ParticipantID, &p.Amount, &p.Percentage, &status, &created); err != nil {
			return nil, err
		}
		p.Status = contracts.PayoutStatus(status)
		p.CreatedAt = created.Time
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) ListEscrowTransactions(ctx context.Context, escrowID string) ([]*contracts.EscrowTransaction, error) {
	rows, err := s.q.QueryContext(ctx, s.d.rebind(`
		SELECT id, escrow_id, execution_id, type, amount, description, revenue_source_type,
			source_entity, attribution_chain, content_hash, created_at
		FROM escrow_transactions WHERE escrow_id = ? ORDER BY created_at, id`), escrowID)
	if err != nil {
		return nil, fmt.Errorf("list escrow transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := []*contracts.EscrowTransaction{}
	for rows.Next() {
		var (
			et      contracts.EscrowTransaction
			typ     string
			chain   []byte
			created sqlTime
		)
		if err := rows.Scan(&et.ID, &et.EscrowID, &et.ExecutionID, &typ, &et.Amount, &et.Description,
			&et.RevenueSourceType, &et.SourceEntity, &chain, &et.ContentHash, &created); err != nil {
			return nil, err
		}
		et.Type = contracts.TransactionType(typ)
		et.CreatedAt = created.Time
		if err := decodeJSON(chain, &et.AttributionChain); err != nil {
			return nil, fmt.Errorf("transaction %s attribution: %w", et.ID, err)
		}
		out = append(out, &et)
	}
	return out, rows.Err()
}

func (s *Store) PendingTasks(ctx context.Context, limit int) ([]*store.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, s.d.rebind(`
		SELECT id, kind, payload, scheduled_at, status, attempts, last_error
		FROM outbox_tasks WHERE status = ? ORDER BY scheduled_at, id LIMIT ?`), string(store.TaskPending), limit)
	if err != nil {
		return nil, fmt.Errorf("pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*store.Task
	for rows.Next() {
		var (
			t         store.Task
			kind      string
			status    string
			payload   string
			scheduled sqlTime
		)
		if err := rows.Scan(&t.ID, &kind, &payload, &scheduled, &status, &t.Attempts, &t.LastError); err != nil {
			return nil, err
		}
		t.Kind = store.TaskKind(kind)
		t.Status = store.TaskStatus(status)
		t.Payload = []byte(payload)
		t.ScheduledAt = scheduled.Time
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) MarkTaskDone(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE outbox_tasks SET status = ? WHERE id = ?`), string(store.TaskDone), id)
	if err != nil {
		return fmt.Errorf("mark task %s done: %w", id, err)
	}
	return requireRow(res, "task", id)
}

func (s *Store) MarkTaskFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(`UPDATE outbox_tasks SET attempts = attempts + 1, last_error = ? WHERE id = ?`), msg, id)
	if err != nil {
		return fmt.Errorf("mark task %s failed: %w", id, err)
	}
	return requireRow(res, "task", id)
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &tx{reader: reader{q: sqlTx, d: s.d}, tx: sqlTx}, nil
}

func requireRow(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, store.ErrNotFound)
	}
	return nil
}
