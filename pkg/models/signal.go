package models

import (
	"strings"
	"time"
)

// Signal is the externally computed directional indicator for one
// instrument: short, flat or long.
type Signal int

const (
	SignalShort Signal = -1
	SignalFlat  Signal = 0
	SignalLong  Signal = 1
	// SignalNone marks a missing or out-of-range value. It is never
	// stored; it only exists as a read-side normalization.
	SignalNone Signal = -128
)

func (s Signal) Valid() bool {
	return s == SignalShort || s == SignalFlat || s == SignalLong
}

// SignalRecord is one row of the upstream prediction table. The table is
// written by an external process; this service only reads it.
type SignalRecord struct {
	Timestamp time.Time `gorm:"column:timestamp;primaryKey"`

	ADAUSDT  int `gorm:"column:adausdt_pred"`
	AVAXUSDT int `gorm:"column:avaxusdt_pred"`
	BNBUSDT  int `gorm:"column:bnbusdt_pred"`
	BTCUSDT  int `gorm:"column:btcusdt_pred"`
	DOGEUSDT int `gorm:"column:dogeusdt_pred"`
	DOTUSDT  int `gorm:"column:dotusdt_pred"`
	ETHUSDT  int `gorm:"column:ethusdt_pred"`
	LINKUSDT int `gorm:"column:linkusdt_pred"`
	SOLUSDT  int `gorm:"column:solusdt_pred"`
}

func (SignalRecord) TableName() string { return "predictions" }

// SignalFor returns the signal for a symbol. Unknown symbols and values
// outside {-1,0,1} come back as SignalNone.
func (r *SignalRecord) SignalFor(symbol string) Signal {
	var v int
	switch strings.ToUpper(symbol) {
	case "ADAUSDT":
		v = r.ADAUSDT
	case "AVAXUSDT":
		v = r.AVAXUSDT
	case "BNBUSDT":
		v = r.BNBUSDT
	case "BTCUSDT":
		v = r.BTCUSDT
	case "DOGEUSDT":
		v = r.DOGEUSDT
	case "DOTUSDT":
		v = r.DOTUSDT
	case "ETHUSDT":
		v = r.ETHUSDT
	case "LINKUSDT":
		v = r.LINKUSDT
	case "SOLUSDT":
		v = r.SOLUSDT
	default:
		return SignalNone
	}

	sig := Signal(v)
	if !sig.Valid() {
		return SignalNone
	}
	return sig
}

// TrackedSymbols lists every instrument the prediction table carries, in
// the fixed order the trading cycle iterates them.
func TrackedSymbols() []string {
	return []string{
		"ADAUSDT", "AVAXUSDT", "BNBUSDT", "BTCUSDT",
		"DOGEUSDT", "DOTUSDT", "ETHUSDT", "LINKUSDT", "SOLUSDT",
	}
}
