// Package store provides crash-safe persistence for positions, fills,
// markouts, and session metadata backed by gorm/sqlite.
//
// It replaces the teacher's pos_<marketID>.json flat-file store with a
// relational schema, grounded on web3guy0-polybot's internal/database
// package for the gorm.Open/AutoMigrate/model-with-gorm-tags wiring style
// and on ChoSanghyuk-blackholedex's transaction_recorder.go for the
// TableName()-plus-atomic-db.Create() recorder idiom. The append-only
// ledger_events table is written only through AppendLedgerEvent, which
// assigns a monotonically increasing sequence number that LedgerEventsSince
// reads back in order; RecordFill and RecordMarkout write only their own
// tables and add no ledger entry.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

// Position is the persisted model for an asset's resting inventory.
type Position struct {
	AssetID   string    `gorm:"primaryKey;column:asset_id"`
	Size      string    `gorm:"column:size"` // decimal.Decimal serialized as string
	AvgPrice  string    `gorm:"column:avg_price"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Position) TableName() string { return "positions" }

// FillRecord is the persisted model for one exchange fill.
type FillRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	FillID    string    `gorm:"column:fill_id;uniqueIndex"`
	AssetID   string    `gorm:"column:asset_id;index"`
	Side      string    `gorm:"column:side"`
	Price     string    `gorm:"column:price"`
	Size      string    `gorm:"column:size"`
	Fee       string    `gorm:"column:fee"`
	MidAtFill string    `gorm:"column:mid_at_fill"`
	Ts        time.Time `gorm:"column:ts;index"`
}

func (FillRecord) TableName() string { return "fills" }

// MarkoutRecord is the persisted model for one markout sample.
type MarkoutRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	FillID     string    `gorm:"column:fill_id;index"`
	HorizonS   int       `gorm:"column:horizon_s"`
	Mid        string    `gorm:"column:mid"`
	MarkoutBps string    `gorm:"column:markout_bps"`
	CapturedAt time.Time `gorm:"column:captured_at"`
}

func (MarkoutRecord) TableName() string { return "markouts" }

// Session is the persisted model for one engine run.
type Session struct {
	SessionID      string     `gorm:"primaryKey;column:session_id"`
	Start          time.Time  `gorm:"column:start"`
	End            *time.Time `gorm:"column:end"`
	ConfigSnapshot string     `gorm:"column:config_snapshot"`
	Status         string     `gorm:"column:status"`
}

func (Session) TableName() string { return "sessions" }

// LedgerEvent is one entry in the append-only audit log. Seq is assigned
// by AppendLedgerEvent under the store's lock, so events stay strictly
// ordered even across process restarts (the counter resumes from the
// table's max on Open).
type LedgerEvent struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Seq       uint64    `gorm:"column:seq;uniqueIndex"`
	SessionID string    `gorm:"column:session_id;index"`
	Kind      string    `gorm:"column:kind"`
	AssetID   string    `gorm:"column:asset_id"`
	Payload   string    `gorm:"column:payload"`
	Ts        time.Time `gorm:"column:ts"`
}

func (LedgerEvent) TableName() string { return "ledger_events" }

// Store persists engine state to a sqlite database via gorm.
type Store struct {
	db *gorm.DB

	mu      sync.Mutex
	nextSeq uint64
}

// Open creates (or attaches to) the sqlite database named by cfg.DSN and
// migrates every model this package defines.
func Open(cfg config.StoreConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := db.AutoMigrate(&Position{}, &FillRecord{}, &MarkoutRecord{}, &Session{}, &LedgerEvent{}); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	s := &Store{db: db}
	if err := s.restoreSeq(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) restoreSeq() error {
	var max struct{ Max uint64 }
	if err := s.db.Model(&LedgerEvent{}).Select("COALESCE(MAX(seq), 0) as max").Scan(&max).Error; err != nil {
		return fmt.Errorf("restore ledger sequence: %w", err)
	}
	s.nextSeq = max.Max
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SavePosition upserts the resting position for an asset.
func (s *Store) SavePosition(assetID string, size, avgPrice decimal.Decimal) error {
	pos := Position{AssetID: assetID, Size: size.String(), AvgPrice: avgPrice.String()}
	return s.db.Save(&pos).Error
}

// LoadPosition returns the persisted position for an asset, or ok=false if
// none was ever saved.
func (s *Store) LoadPosition(assetID string) (size, avgPrice decimal.Decimal, ok bool, err error) {
	var pos Position
	res := s.db.First(&pos, "asset_id = ?", assetID)
	if res.Error != nil {
		if res.Error == gorm.ErrRecordNotFound {
			return decimal.Zero, decimal.Zero, false, nil
		}
		return decimal.Zero, decimal.Zero, false, res.Error
	}
	size, err = decimal.NewFromString(pos.Size)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("parse persisted size: %w", err)
	}
	avgPrice, err = decimal.NewFromString(pos.AvgPrice)
	if err != nil {
		return decimal.Zero, decimal.Zero, false, fmt.Errorf("parse persisted avg price: %w", err)
	}
	return size, avgPrice, true, nil
}

// AllPositions returns every persisted position, used to reseed inventory
// on startup.
func (s *Store) AllPositions() ([]Position, error) {
	var out []Position
	err := s.db.Find(&out).Error
	return out, err
}

// RecordFill persists a fill and the mid price observed at fill time.
func (s *Store) RecordFill(fill types.Fill, midAtFill decimal.Decimal) error {
	rec := FillRecord{
		FillID:    fill.Key(),
		AssetID:   fill.Asset,
		Side:      string(fill.Side),
		Price:     fill.Price.String(),
		Size:      fill.Size.String(),
		Fee:       fill.Fee.String(),
		MidAtFill: midAtFill.String(),
		Ts:        fill.Timestamp,
	}
	return s.db.Create(&rec).Error
}

// RecordMarkout persists one markout sample for a previously recorded fill.
func (s *Store) RecordMarkout(fillID string, horizon time.Duration, mid, markoutBps decimal.Decimal, capturedAt time.Time) error {
	rec := MarkoutRecord{
		FillID:     fillID,
		HorizonS:   int(horizon.Seconds()),
		Mid:        mid.String(),
		MarkoutBps: markoutBps.String(),
		CapturedAt: capturedAt,
	}
	return s.db.Create(&rec).Error
}

// StartSession records the beginning of an engine run.
func (s *Store) StartSession(sessionID, configSnapshot string, start time.Time) error {
	sess := Session{SessionID: sessionID, Start: start, ConfigSnapshot: configSnapshot, Status: "running"}
	return s.db.Create(&sess).Error
}

// EndSession marks a session as finished with the given terminal status
// ("stopped", "halted", "crashed").
func (s *Store) EndSession(sessionID, status string, end time.Time) error {
	return s.db.Model(&Session{}).Where("session_id = ?", sessionID).Updates(map[string]any{
		"end":    end,
		"status": status,
	}).Error
}

// AppendLedgerEvent assigns the next monotonic sequence number and appends
// an audit entry. It never rewrites or deletes prior entries.
func (s *Store) AppendLedgerEvent(sessionID, kind, assetID, payload string, ts time.Time) (uint64, error) {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	s.mu.Unlock()

	evt := LedgerEvent{Seq: seq, SessionID: sessionID, Kind: kind, AssetID: assetID, Payload: payload, Ts: ts}
	if err := s.db.Create(&evt).Error; err != nil {
		return 0, err
	}
	return seq, nil
}

// LedgerEventsSince returns every ledger event with Seq > afterSeq, in
// sequence order, for replay after a restart.
func (s *Store) LedgerEventsSince(afterSeq uint64) ([]LedgerEvent, error) {
	var out []LedgerEvent
	err := s.db.Where("seq > ?", afterSeq).Order("seq asc").Find(&out).Error
	return out, err
}
