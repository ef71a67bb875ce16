// Package state persists the session to sqlite so a restart mid-session
// resumes exactly where the previous process stopped. Saves are best
// effort: the trading loop never aborts on a persistence error, it logs
// and moves on. Restores are strict.
package state

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	glogger "gorm.io/gorm/logger"

	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/positions"
)

// DailyState is the persisted daily dashboard. TradeDate decides on
// restart whether the day continues or resets.
type DailyState struct {
	TradeDate     string
	CumulativeR   float64
	ExitTriggered bool
	ExitReason    string
	TotalPnL      float64
	ClosedCount   int
}

// OperationalState mirrors the orchestrator's mode for the dashboard and
// for operator control flags set out of band.
type OperationalState struct {
	State          string
	StateEnteredAt time.Time
	ErrorReason    string
	PauseRequested bool
	KillRequested  bool
}

// Store is the sqlite-backed state manager.
type Store struct {
	db     *gorm.DB
	logger *log.Logger
}

// Open opens (creating if needed) the state database and runs pending
// migrations.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: glogger.Default.LogMode(glogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// migrate runs every registered migration not yet recorded, in order.
func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(&migrationRow{}); err != nil {
		return fmt.Errorf("migration table: %w", err)
	}
	applied := make(map[int]bool)
	var rows []migrationRow
	if err := s.db.Find(&rows).Error; err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	for _, r := range rows {
		applied[r.Version] = true
	}
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := m.apply(s.db); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
		rec := migrationRow{Version: m.version, AppliedAt: time.Now()}
		if err := s.db.Create(&rec).Error; err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		s.logger.Printf("[state] applied migration %d", m.version)
	}
	return nil
}

func marshal(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SaveOpenPositions replaces the open-position table with the given set.
func (s *Store) SaveOpenPositions(open []models.Position) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&openPositionRow{}).Error; err != nil {
			return err
		}
		for i := range open {
			row := openPositionRow{
				Symbol:    open[i].Symbol,
				Payload:   marshal(&open[i]),
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadOpenPositions restores the persisted open positions.
func (s *Store) LoadOpenPositions() ([]models.Position, error) {
	var rows []openPositionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		var p models.Position
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode position %s: %w", r.Symbol, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// AppendClosedTrade records one closed trade in the permanent log.
func (s *Store) AppendClosedTrade(p models.Position) error {
	row := closedTradeRow{
		Symbol:      p.Symbol,
		ExitReason:  p.ExitReason,
		RealizedPnL: p.RealizedPnL,
		RealizedR:   p.RealizedR,
		Payload:     marshal(&p),
		CreatedAt:   time.Now(),
	}
	return s.db.Create(&row).Error
}

// ClosedTradesToday returns the closed-trade payloads recorded since
// midnight, newest last.
func (s *Store) ClosedTradesToday(loc *time.Location) ([]models.Position, error) {
	midnight := time.Now().In(loc).Truncate(24 * time.Hour)
	var rows []closedTradeRow
	if err := s.db.Where("created_at >= ?", midnight).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		var p models.Position
		if err := json.Unmarshal([]byte(r.Payload), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SavePendingEntries replaces the pending entry-order table.
func (s *Store) SavePendingEntries(entries []orders.EntryOrder) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&pendingEntryRow{}).Error; err != nil {
			return err
		}
		for i := range entries {
			row := pendingEntryRow{
				OptionType: string(entries[i].OptionType),
				Symbol:     entries[i].Symbol,
				Payload:    marshal(&entries[i]),
				UpdatedAt:  time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPendingEntries restores persisted entry orders.
func (s *Store) LoadPendingEntries() ([]orders.EntryOrder, error) {
	var rows []pendingEntryRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load pending entries: %w", err)
	}
	out := make([]orders.EntryOrder, 0, len(rows))
	for _, r := range rows {
		var e orders.EntryOrder
		if err := json.Unmarshal([]byte(r.Payload), &e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", r.OptionType, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveActiveSLs replaces the active stop-loss table.
func (s *Store) SaveActiveSLs(sls []orders.SLOrder) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&activeSLRow{}).Error; err != nil {
			return err
		}
		for i := range sls {
			row := activeSLRow{
				Symbol:    sls[i].Symbol,
				Payload:   marshal(&sls[i]),
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadActiveSLs restores persisted stop-loss orders.
func (s *Store) LoadActiveSLs() ([]orders.SLOrder, error) {
	var rows []activeSLRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load active SLs: %w", err)
	}
	out := make([]orders.SLOrder, 0, len(rows))
	for _, r := range rows {
		var sl orders.SLOrder
		if err := json.Unmarshal([]byte(r.Payload), &sl); err != nil {
			return nil, fmt.Errorf("decode SL %s: %w", r.Symbol, err)
		}
		out = append(out, sl)
	}
	return out, nil
}

// SaveDailyState upserts the daily dashboard singleton.
func (s *Store) SaveDailyState(tradeDate string, sum positions.Summary) error {
	row := dailyStateRow{
		ID:            1,
		TradeDate:     tradeDate,
		CumulativeR:   sum.CumulativeR,
		ExitTriggered: sum.DailyExit,
		ExitReason:    sum.DailyExitWhy,
		TotalPnL:      sum.TotalPnL,
		OpenCount:     sum.OpenCount,
		ClosedCount:   sum.ClosedCount,
		UpdatedAt:     time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadDailyState returns the persisted daily state, or found=false when the
// database has never seen a session.
func (s *Store) LoadDailyState() (DailyState, bool, error) {
	var row dailyStateRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return DailyState{}, false, nil
	}
	if err != nil {
		return DailyState{}, false, fmt.Errorf("load daily state: %w", err)
	}
	return DailyState{
		TradeDate:     row.TradeDate,
		CumulativeR:   row.CumulativeR,
		ExitTriggered: row.ExitTriggered,
		ExitReason:    row.ExitReason,
		TotalPnL:      row.TotalPnL,
		ClosedCount:   row.ClosedCount,
	}, true, nil
}

// LogSwings appends confirmed swings to the permanent log. The identity
// index makes replays after restart a no-op.
func (s *Store) LogSwings(swings []models.Swing) error {
	if len(swings) == 0 {
		return nil
	}
	rows := make([]swingLogRow, 0, len(swings))
	for _, sw := range swings {
		rows = append(rows, swingLogRow{
			Symbol:    sw.Symbol,
			SwingTime: sw.Timestamp.Unix(),
			Type:      string(sw.Type),
			Price:     sw.Price,
			VWAP:      sw.VWAP,
			CreatedAt: time.Now(),
		})
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// SaveCandidates replaces the candidate-pool snapshot.
func (s *Store) SaveCandidates(cands []models.Candidate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&swingCandidateRow{}).Error; err != nil {
			return err
		}
		for i := range cands {
			row := swingCandidateRow{
				Symbol:    cands[i].Symbol,
				Qualified: cands[i].Qualified,
				Payload:   marshal(&cands[i]),
				UpdatedAt: time.Now(),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveLatestBar upserts one symbol's most recent sealed bar.
func (s *Store) SaveLatestBar(bar models.Bar) error {
	row := latestBarRow{
		Symbol:    bar.Symbol,
		BarTime:   bar.Timestamp,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		VWAP:      bar.VWAP,
		UpdatedAt: time.Now(),
	}
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// SaveBestStrikes upserts the per-type selection snapshot, clearing types
// with no current best.
func (s *Store) SaveBestStrikes(best map[models.OptionType]*models.Candidate) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, t := range []models.OptionType{models.OptionCE, models.OptionPE} {
			c := best[t]
			if c == nil {
				if err := tx.Delete(&bestStrikeRow{}, "option_type = ?", string(t)).Error; err != nil {
					return err
				}
				continue
			}
			row := bestStrikeRow{
				OptionType: string(t),
				Symbol:     c.Symbol,
				EntryPrice: c.EntryPrice,
				SLPoints:   c.SLPoints,
				UpdatedAt:  time.Now(),
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// BestStrike is the persisted per-type selection snapshot.
type BestStrike struct {
	OptionType string    `json:"option_type"`
	Symbol     string    `json:"symbol"`
	EntryPrice float64   `json:"entry_price"`
	SLPoints   float64   `json:"sl_points"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LoadBestStrikes returns the current per-type selections.
func (s *Store) LoadBestStrikes() ([]BestStrike, error) {
	var rows []bestStrikeRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]BestStrike, 0, len(rows))
	for _, r := range rows {
		out = append(out, BestStrike{
			OptionType: r.OptionType,
			Symbol:     r.Symbol,
			EntryPrice: r.EntryPrice,
			SLPoints:   r.SLPoints,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return out, nil
}

// LogOrderTrigger appends one trigger decision to the audit log.
func (s *Store) LogOrderTrigger(optType, action, symbol, reason string) error {
	row := orderTriggerRow{
		OptionType: optType,
		Action:     action,
		Symbol:     symbol,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	return s.db.Create(&row).Error
}

// SetOperationalState upserts the orchestrator mode, stamping the
// transition time only when the mode actually changes.
func (s *Store) SetOperationalState(mode, errReason string) error {
	cur, _, err := s.loadOperationalRow()
	if err != nil {
		return err
	}
	if cur.State != mode {
		cur.StateEnteredAt = time.Now()
	}
	cur.ID = 1
	cur.State = mode
	cur.ErrorReason = errReason
	cur.UpdatedAt = time.Now()
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cur).Error
}

// SetControlFlags records operator pause/kill requests.
func (s *Store) SetControlFlags(pause, kill bool) error {
	cur, _, err := s.loadOperationalRow()
	if err != nil {
		return err
	}
	cur.ID = 1
	cur.PauseRequested = pause
	cur.KillRequested = kill
	cur.UpdatedAt = time.Now()
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&cur).Error
}

// LoadOperationalState returns the persisted orchestrator mode.
func (s *Store) LoadOperationalState() (OperationalState, bool, error) {
	row, found, err := s.loadOperationalRow()
	if err != nil || !found {
		return OperationalState{}, found, err
	}
	return OperationalState{
		State:          row.State,
		StateEnteredAt: row.StateEnteredAt,
		ErrorReason:    row.ErrorReason,
		PauseRequested: row.PauseRequested,
		KillRequested:  row.KillRequested,
	}, true, nil
}

func (s *Store) loadOperationalRow() (operationalStateRow, bool, error) {
	var row operationalStateRow
	err := s.db.First(&row, 1).Error
	if err == gorm.ErrRecordNotFound {
		return operationalStateRow{}, false, nil
	}
	if err != nil {
		return operationalStateRow{}, false, fmt.Errorf("load operational state: %w", err)
	}
	return row, true, nil
}

// SaveTick persists the full tick snapshot in one pass. Errors are logged,
// never returned: persistence must not stop trading.
func (s *Store) SaveTick(tradeDate string, sum positions.Summary, open []models.Position, entries []orders.EntryOrder, sls []orders.SLOrder) {
	if err := s.SaveOpenPositions(open); err != nil {
		s.logger.Printf("[state] save open positions: %v", err)
	}
	if err := s.SavePendingEntries(entries); err != nil {
		s.logger.Printf("[state] save pending entries: %v", err)
	}
	if err := s.SaveActiveSLs(sls); err != nil {
		s.logger.Printf("[state] save active SLs: %v", err)
	}
	if err := s.SaveDailyState(tradeDate, sum); err != nil {
		s.logger.Printf("[state] save daily state: %v", err)
	}
}
