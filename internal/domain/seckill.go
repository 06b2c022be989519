package domain

import "time"

// SeckillCampaign is the logical tuple of keyed values backing a
// flash-sale. Its persisted form lives entirely in the KeyValue store
// (internal/seckill), not Postgres — there is no at-rest Go struct
// for the winners set, only the keys the atomic scripts operate on;
// this type is the read-side projection returned by status queries.
type SeckillCampaign struct {
	ProductID      string    `json:"productId"`
	StockRemaining int64     `json:"stockRemaining"`
	TotalStock     int64     `json:"totalStock"`
	Price          float64   `json:"price"`
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	IsActive       bool      `json:"isActive"`
}

// ReserveOutcome is the flash-sale reserve script's return code.
type ReserveOutcome int

const (
	ReserveWon                ReserveOutcome = 1
	ReserveOutOfStock         ReserveOutcome = -1
	ReserveAlreadyPurchased   ReserveOutcome = -2
	ReserveCampaignNotStarted ReserveOutcome = -3
	ReserveRateLimitExceeded  ReserveOutcome = -4
)
