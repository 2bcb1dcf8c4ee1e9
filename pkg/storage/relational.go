package storage

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OrderRecord is the durable row for one order's full lifecycle.
type OrderRecord struct {
	ID           string `gorm:"primaryKey;type:varchar(64)"`
	UserID       string `gorm:"index;type:varchar(64);not null"`
	Symbol       string `gorm:"index;type:varchar(32);not null"`
	Side         string `gorm:"type:varchar(8);not null"`
	Type         string `gorm:"type:varchar(16);not null"`
	TIF          string `gorm:"type:varchar(8);not null"`
	PostOnly     bool
	Price        string `gorm:"type:varchar(64)"`
	Qty          string `gorm:"type:varchar(64)"`
	FilledQty    string `gorm:"type:varchar(64)"`
	Status       string `gorm:"index;type:varchar(16);not null"`
	LockedMargin string `gorm:"type:varchar(64)"`
	Leverage     int64
	OCOGroupID   string `gorm:"index;type:varchar(64)"`
	RejectReason string `gorm:"type:varchar(256)"`
	CreatedAt    time.Time `gorm:"index;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

func (OrderRecord) TableName() string { return "orders" }

// FillRecord is one execution against an order.
type FillRecord struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	OrderID   string `gorm:"index;type:varchar(64);not null"`
	UserID    string `gorm:"index;type:varchar(64);not null"`
	Symbol    string `gorm:"index;type:varchar(32);not null"`
	Price     string `gorm:"type:varchar(64)"`
	Qty       string `gorm:"type:varchar(64)"`
	Fee       string `gorm:"type:varchar(64)"`
	IsMaker   bool
	Timestamp time.Time `gorm:"index"`
}

func (FillRecord) TableName() string { return "fills" }

// TradeRecord is a completed maker/taker match, one row per fill pair.
type TradeRecord struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	Symbol     string `gorm:"index;type:varchar(32);not null"`
	MakerOrder string `gorm:"type:varchar(64);not null"`
	TakerOrder string `gorm:"type:varchar(64);not null"`
	Price      string `gorm:"type:varchar(64)"`
	Qty        string `gorm:"type:varchar(64)"`
	Timestamp  time.Time `gorm:"index"`
}

func (TradeRecord) TableName() string { return "trades" }

// PositionRecord is the current open position snapshot, one row per user+symbol.
type PositionRecord struct {
	UserID     string `gorm:"primaryKey;type:varchar(64)"`
	Symbol     string `gorm:"primaryKey;type:varchar(32)"`
	Long       bool
	Size       string `gorm:"type:varchar(64)"`
	EntryPrice string `gorm:"type:varchar(64)"`
	MarkPrice  string `gorm:"type:varchar(64)"`
	Margin     string `gorm:"type:varchar(64)"`
	Leverage   int64
	Mode       string    `gorm:"type:varchar(16)"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (PositionRecord) TableName() string { return "positions" }

// PositionHistoryRecord is an append-only log of realized PnL events.
type PositionHistoryRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	UserID      string `gorm:"index;type:varchar(64);not null"`
	Symbol      string `gorm:"index;type:varchar(32);not null"`
	RealizedPnl string `gorm:"type:varchar(64)"`
	Closed      bool
	Flipped     bool
	Timestamp   time.Time `gorm:"index"`
}

func (PositionHistoryRecord) TableName() string { return "position_history" }

// LiquidationHistoryRecord mirrors liquidation.Event for durable reporting.
type LiquidationHistoryRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	UserID     string `gorm:"index;type:varchar(64);not null"`
	Symbol     string `gorm:"index;type:varchar(32);not null"`
	Ratio      float64
	Action     string `gorm:"type:varchar(32)"`
	ReducedQty string `gorm:"type:varchar(64)"`
	Fee        string `gorm:"type:varchar(64)"`
	Timestamp  time.Time `gorm:"index"`
}

func (LiquidationHistoryRecord) TableName() string { return "liquidation_history" }

// WalletRecord is the durable snapshot of a user's available/locked balance.
type WalletRecord struct {
	UserID    string `gorm:"primaryKey;type:varchar(64)"`
	Available string `gorm:"type:varchar(64)"`
	Locked    string `gorm:"type:varchar(64)"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (WalletRecord) TableName() string { return "wallets" }

// RiskAlertRecord mirrors risk.Alert for durable reporting.
type RiskAlertRecord struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	UserID    string `gorm:"index;type:varchar(64);not null"`
	Symbol    string `gorm:"index;type:varchar(32);not null"`
	Severity  string `gorm:"type:varchar(16)"`
	Ratio     float64
	Timestamp time.Time `gorm:"index"`
}

func (RiskAlertRecord) TableName() string { return "risk_alerts" }

// MarketRecord is the durable mirror of a symbol.Symbol catalogue entry.
type MarketRecord struct {
	Symbol      string `gorm:"primaryKey;type:varchar(32)"`
	Base        string `gorm:"type:varchar(16)"`
	Quote       string `gorm:"type:varchar(16)"`
	TickSize    string `gorm:"type:varchar(64)"`
	StepSize    string `gorm:"type:varchar(64)"`
	MinNotional string `gorm:"type:varchar(64)"`
	MaxLeverage int64
	MakerFeeBps int64
	TakerFeeBps int64
	Enabled     bool
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (MarketRecord) TableName() string { return "markets" }

// RelationalStore is the durable reporting-surface store backing every
// schema-level entity: orders, fills, trades, positions, position history,
// liquidation history, wallets, risk alerts, and the market catalogue.
type RelationalStore struct {
	db *gorm.DB
}

// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func OpenRelationalStore(dsn string) (*RelationalStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	if err := db.AutoMigrate(
		&OrderRecord{}, &FillRecord{}, &TradeRecord{},
		&PositionRecord{}, &PositionHistoryRecord{}, &LiquidationHistoryRecord{},
		&WalletRecord{}, &RiskAlertRecord{}, &MarketRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &RelationalStore{db: db}, nil
}

func (s *RelationalStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}

func (s *RelationalStore) UpsertOrder(r *OrderRecord) error {
	return s.db.Save(r).Error
}

func (s *RelationalStore) InsertFill(r *FillRecord) error {
	return s.db.Create(r).Error
}

func (s *RelationalStore) InsertTrade(r *TradeRecord) error {
	return s.db.Create(r).Error
}

func (s *RelationalStore) UpsertPosition(r *PositionRecord) error {
	return s.db.Save(r).Error
}

func (s *RelationalStore) InsertPositionHistory(r *PositionHistoryRecord) error {
	return s.db.Create(r).Error
}

func (s *RelationalStore) InsertLiquidation(r *LiquidationHistoryRecord) error {
	return s.db.Create(r).Error
}

func (s *RelationalStore) UpsertWallet(r *WalletRecord) error {
	return s.db.Save(r).Error
}

func (s *RelationalStore) InsertRiskAlert(r *RiskAlertRecord) error {
	return s.db.Create(r).Error
}

func (s *RelationalStore) UpsertMarket(r *MarketRecord) error {
	return s.db.Save(r).Error
}

// OrdersByUser returns a user's order history, most recent first.
func (s *RelationalStore) OrdersByUser(userID string, limit int) ([]OrderRecord, error) {
	var out []OrderRecord
	err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Limit(limit).Find(&out).Error
	return out, err
}

// FillsByOrder returns every fill recorded against an order.
func (s *RelationalStore) FillsByOrder(orderID string) ([]FillRecord, error) {
	var out []FillRecord
	err := s.db.Where("order_id = ?", orderID).Order("timestamp ASC").Find(&out).Error
	return out, err
}

// RecentTrades returns the most recent trades for a symbol.
func (s *RelationalStore) RecentTrades(symbol string, limit int) ([]TradeRecord, error) {
	var out []TradeRecord
	err := s.db.Where("symbol = ?", symbol).Order("timestamp DESC").Limit(limit).Find(&out).Error
	return out, err
}

// LiquidationsByUser returns a user's liquidation history, most recent first.
func (s *RelationalStore) LiquidationsByUser(userID string, limit int) ([]LiquidationHistoryRecord, error) {
	var out []LiquidationHistoryRecord
	err := s.db.Where("user_id = ?", userID).Order("timestamp DESC").Limit(limit).Find(&out).Error
	return out, err
}
