package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/holiman/uint256"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"recurswap/native/dca"
	"recurswap/native/venue"
)

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("dcad storage path must be configured")
	// ErrUnsupportedDriver is returned for drivers other than sqlite and postgres.
	ErrUnsupportedDriver = errors.New("dcad storage driver unsupported")
)

// Storage is the gorm-backed persistence layer for dcad. It implements
// dca.Store for plans and fee ledgers and dca.Vault for owner balances, and
// keeps the local scheduler's pending entries.
type Storage struct {
	db *gorm.DB
	// vaultMu serialises balance read-modify-write cycles; SQLite has no
	// row locks.
	vaultMu sync.Mutex
}

var (
	_ dca.Store = (*Storage)(nil)
	_ dca.Vault = (*Storage)(nil)
)

// Open connects to the configured backend and migrates the schema. For
// sqlite the dsn is a file or memory DSN; for postgres a libpq connection
// string.
func Open(driver, dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(trimmed)
	case "postgres":
		dialector = postgres.Open(trimmed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// MaxPlanID returns the highest persisted plan id, or zero.
func (s *Storage) MaxPlanID(ctx context.Context) (uint64, error) {
	var highest int64
	row := s.db.WithContext(ctx).Model(&PlanRecord{}).Select("COALESCE(MAX(id), 0)").Row()
	if err := row.Scan(&highest); err != nil {
		return 0, fmt.Errorf("query max plan id: %w", err)
	}
	return uint64(highest), nil
}

// Owners lists every owner with a plan or a fee ledger.
func (s *Storage) Owners(ctx context.Context) ([]string, error) {
	var planOwners, ledgerOwners []string
	if err := s.db.WithContext(ctx).Model(&PlanRecord{}).Distinct().Pluck("owner", &planOwners).Error; err != nil {
		return nil, fmt.Errorf("query plan owners: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&LedgerRecord{}).Pluck("owner", &ledgerOwners).Error; err != nil {
		return nil, fmt.Errorf("query ledger owners: %w", err)
	}
	seen := make(map[string]struct{}, len(planOwners)+len(ledgerOwners))
	out := make([]string, 0, len(planOwners)+len(ledgerOwners))
	for _, owner := range append(planOwners, ledgerOwners...) {
		if _, ok := seen[owner]; ok {
			continue
		}
		seen[owner] = struct{}{}
		out = append(out, owner)
	}
	return out, nil
}

// LoadPlans returns the owner's plans ordered by id.
func (s *Storage) LoadPlans(ctx context.Context, owner string) ([]*dca.Plan, error) {
	var records []PlanRecord
	if err := s.db.WithContext(ctx).Where("owner = ?", owner).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	out := make([]*dca.Plan, 0, len(records))
	for _, rec := range records {
		plan, err := recordToPlan(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

// SavePlan upserts the plan.
func (s *Storage) SavePlan(ctx context.Context, plan *dca.Plan) error {
	if plan == nil {
		return fmt.Errorf("plan required")
	}
	rec := planToRecord(plan)
	rec.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("save plan %d: %w", plan.ID, err)
	}
	return nil
}

// AppendExecution stores an execution record.
func (s *Storage) AppendExecution(ctx context.Context, exec *dca.Execution) error {
	if exec == nil {
		return fmt.Errorf("execution required")
	}
	rec := executionToRecord(exec)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("append execution: %w", err)
	}
	return nil
}

// Executions returns the owner's execution records for planID in sequence
// order.
func (s *Storage) Executions(ctx context.Context, owner string, planID uint64) ([]*dca.Execution, error) {
	var records []ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("owner = ? AND plan_id = ?", owner, planID).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	out := make([]*dca.Execution, 0, len(records))
	for _, rec := range records {
		exec, err := recordToExecution(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// LedgerBalance returns the owner's fee ledger balance, zero when absent.
func (s *Storage) LedgerBalance(ctx context.Context, owner string) (*uint256.Int, error) {
	var rec LedgerRecord
	err := s.db.WithContext(ctx).Where("owner = ?", owner).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query fee ledger: %w", err)
	}
	return parseAmount("balance", rec.Balance)
}

// SaveLedgerBalance upserts the owner's fee ledger balance.
func (s *Storage) SaveLedgerBalance(ctx context.Context, owner string, balance *uint256.Int) error {
	rec := LedgerRecord{Owner: owner, Balance: decimalString(balance), UpdatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
		return fmt.Errorf("save fee ledger: %w", err)
	}
	return nil
}

// Balance returns the owner's vault balance of asset.
func (s *Storage) Balance(ctx context.Context, owner, asset string) (*uint256.Int, error) {
	rec, err := s.vaultBalance(s.db.WithContext(ctx), owner, venue.NormalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	return parseAmount("balance", rec.Balance)
}

// Withdraw debits amount from the owner's vault. A short balance fails with
// an error wrapping dca.ErrInsufficientFunds and leaves the balance intact.
func (s *Storage) Withdraw(ctx context.Context, owner, asset string, amount *uint256.Int) error {
	return s.adjust(ctx, owner, asset, func(balance *uint256.Int) (*uint256.Int, error) {
		if balance.Lt(amount) {
			return nil, fmt.Errorf("%w: %s balance %s, need %s", dca.ErrInsufficientFunds, venue.NormalizeAsset(asset), balance.Dec(), amount.Dec())
		}
		return new(uint256.Int).Sub(balance, amount), nil
	})
}

// Deposit credits amount to the owner's vault.
func (s *Storage) Deposit(ctx context.Context, owner, asset string, amount *uint256.Int) error {
	return s.adjust(ctx, owner, asset, func(balance *uint256.Int) (*uint256.Int, error) {
		next, overflow := new(uint256.Int).AddOverflow(balance, amount)
		if overflow {
			return nil, fmt.Errorf("%s balance overflows", venue.NormalizeAsset(asset))
		}
		return next, nil
	})
}

func (s *Storage) adjust(ctx context.Context, owner, asset string, apply func(*uint256.Int) (*uint256.Int, error)) error {
	asset = venue.NormalizeAsset(asset)
	if strings.TrimSpace(owner) == "" || asset == "" {
		return fmt.Errorf("vault owner and asset required")
	}
	s.vaultMu.Lock()
	defer s.vaultMu.Unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if tx.Dialector.Name() == "postgres" {
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		rec, err := s.vaultBalance(query, owner, asset)
		if err != nil {
			return err
		}
		balance, err := parseAmount("balance", rec.Balance)
		if err != nil {
			return err
		}
		next, err := apply(balance)
		if err != nil {
			return err
		}
		rec.Balance = next.Dec()
		rec.UpdatedAt = time.Now().UTC()
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rec).Error; err != nil {
			return fmt.Errorf("save vault balance: %w", err)
		}
		return nil
	})
}

func (s *Storage) vaultBalance(tx *gorm.DB, owner, asset string) (VaultBalance, error) {
	rec := VaultBalance{Owner: owner, Asset: asset, Balance: "0"}
	err := tx.Where("owner = ? AND asset = ?", owner, asset).Take(&rec).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("query vault balance: %w", err)
	}
	return rec, nil
}

// SaveEntry persists a scheduler registration.
func (s *Storage) SaveEntry(ctx context.Context, entry ScheduleEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("save schedule entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a scheduler registration. Missing entries are ignored.
func (s *Storage) DeleteEntry(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&ScheduleEntry{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	return nil
}

// Entries returns every pending registration ordered by due time.
func (s *Storage) Entries(ctx context.Context) ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	if err := s.db.WithContext(ctx).Order("due_time ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query schedule entries: %w", err)
	}
	return entries, nil
}
