package state

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Row types. Rich objects (positions, orders, candidates) travel as JSON
// payloads so restore is an exact round trip; hot columns are broken out
// for the dashboard's queries.

type openPositionRow struct {
	Symbol    string `gorm:"primaryKey"`
	Payload   string
	UpdatedAt time.Time
}

func (openPositionRow) TableName() string { return "open_positions" }

type closedTradeRow struct {
	ID          uint `gorm:"primaryKey;autoIncrement"`
	Symbol      string
	ExitReason  string
	RealizedPnL float64
	RealizedR   float64
	Payload     string
	CreatedAt   time.Time
}

func (closedTradeRow) TableName() string { return "closed_trades" }

type pendingEntryRow struct {
	OptionType string `gorm:"primaryKey"`
	Symbol     string
	Payload    string
	UpdatedAt  time.Time
}

func (pendingEntryRow) TableName() string { return "pending_entry_orders" }

type activeSLRow struct {
	Symbol    string `gorm:"primaryKey"`
	Payload   string
	UpdatedAt time.Time
}

func (activeSLRow) TableName() string { return "active_sl_orders" }

type dailyStateRow struct {
	ID            int `gorm:"primaryKey"` // singleton, always 1
	TradeDate     string
	CumulativeR   float64
	ExitTriggered bool
	ExitReason    string
	TotalPnL      float64
	OpenCount     int
	ClosedCount   int
	UpdatedAt     time.Time
}

func (dailyStateRow) TableName() string { return "daily_state" }

type swingLogRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Symbol    string `gorm:"uniqueIndex:idx_swing_identity"`
	SwingTime int64  `gorm:"uniqueIndex:idx_swing_identity"` // unix seconds
	Type      string `gorm:"uniqueIndex:idx_swing_identity"`
	Price     float64
	VWAP      float64
	CreatedAt time.Time
}

func (swingLogRow) TableName() string { return "all_swings_log" }

type swingCandidateRow struct {
	Symbol    string `gorm:"primaryKey"`
	Qualified bool
	Payload   string
	UpdatedAt time.Time
}

func (swingCandidateRow) TableName() string { return "swing_candidates" }

type latestBarRow struct {
	Symbol    string `gorm:"primaryKey"`
	BarTime   time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	VWAP      float64
	UpdatedAt time.Time
}

func (latestBarRow) TableName() string { return "latest_bars" }

type bestStrikeRow struct {
	OptionType string `gorm:"primaryKey"`
	Symbol     string
	EntryPrice float64
	SLPoints   float64
	UpdatedAt  time.Time
}

func (bestStrikeRow) TableName() string { return "best_strikes" }

type orderTriggerRow struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	OptionType string
	Action     string
	Symbol     string
	Reason     string
	CreatedAt  time.Time
}

func (orderTriggerRow) TableName() string { return "order_trigger_log" }

type operationalStateRow struct {
	ID             int `gorm:"primaryKey"` // singleton, always 1
	State          string
	StateEnteredAt time.Time
	ErrorReason    string
	PauseRequested bool
	KillRequested  bool
	UpdatedAt      time.Time
}

func (operationalStateRow) TableName() string { return "operational_state" }

type migrationRow struct {
	Version   int `gorm:"primaryKey"`
	AppliedAt time.Time
}

func (migrationRow) TableName() string { return "schema_migrations" }

// migrations is the numbered registry. Each entry is idempotent: it checks
// for the tables or columns it adds before altering.
var migrations = []struct {
	version int
	apply   func(db *gorm.DB) error
}{
	{1, migrateCoreTables},
	{2, migrateObservabilityTables},
	{3, migrateControlFlags},
}

func migrateCoreTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&openPositionRow{},
		&closedTradeRow{},
		&pendingEntryRow{},
		&activeSLRow{},
		&dailyStateRow{},
		&operationalStateRow{},
	)
}

func migrateObservabilityTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&swingLogRow{},
		&swingCandidateRow{},
		&latestBarRow{},
		&bestStrikeRow{},
		&orderTriggerRow{},
	)
}

// migrateControlFlags adds the operator control columns for deployments
// created before they existed.
func migrateControlFlags(db *gorm.DB) error {
	m := db.Migrator()
	for _, col := range []string{"pause_requested", "kill_requested"} {
		if !m.HasColumn(&operationalStateRow{}, col) {
			if err := m.AddColumn(&operationalStateRow{}, col); err != nil {
				return fmt.Errorf("add column %s: %w", col, err)
			}
		}
	}
	return nil
}
