package seckill

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ordersys/fabric/internal/domain"
	"github.com/ordersys/fabric/internal/platform/kv"
)

// DefaultRateLimit/DefaultRateWindow are Store's fallback rate-limit
// parameters when the caller leaves RateLimit/RateWindow unset (the
// composition root normally overrides them from SECKILL_RATE_LIMIT /
// SECKILL_RATE_WINDOW).
const (
	DefaultRateLimit  = 5
	DefaultRateWindow = 10 * time.Second
)

// ErrCampaignNotFound is returned by Status when no campaign has been
// initialised for a productId.
var ErrCampaignNotFound = errors.New("seckill: campaign not found")

func stockKey(productID string) string   { return "seckill:stock:" + productID }
func winnersKey(productID string) string { return "seckill:winners:" + productID }
func metaKey(productID string) string    { return "seckill:meta:" + productID }
func ratelimitKey(productID, userID string) string {
	return "seckill:ratelimit:" + productID + ":" + userID
}

// Store is the KeyValue-backed half of the engine. Apart from Init's
// admin (re)initialisation, which overwrites stock and deletes winners,
// every mutation of stock or winners goes through
// reserveScript/releaseScript — no process reads-then-writes those keys
// outside the script. Status only reads them.
type Store struct {
	kv *kv.KeyValue

	// RateLimit and RateWindow parameterise step 1 of reserveScript.
	RateLimit  int64
	RateWindow time.Duration
}

func NewStore(store *kv.KeyValue) *Store {
	return &Store{kv: store, RateLimit: DefaultRateLimit, RateWindow: DefaultRateWindow}
}

type meta struct {
	Total     int64
	Price     float64
	StartTime time.Time
	EndTime   time.Time
}

// Init writes the campaign keys and clears winners. Re-initialisation
// is allowed and deliberately clears the winners set.
func (s *Store) Init(ctx context.Context, productID string, stock int64, price float64, start, end time.Time) error {
	if err := s.kv.Set(ctx, stockKey(productID), strconv.FormatInt(stock, 10), 0); err != nil {
		return err
	}
	if err := s.kv.Del(ctx, winnersKey(productID)); err != nil {
		return err
	}
	m := fmt.Sprintf("%d|%s|%d|%d", stock, formatPrice(price), start.Unix(), end.Unix())
	return s.kv.Set(ctx, metaKey(productID), m, 0)
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

func parseMeta(raw string) (meta, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return meta{}, fmt.Errorf("malformed seckill meta: %q", raw)
	}
	total, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return meta{}, err
	}
	price, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return meta{}, err
	}
	startUnix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return meta{}, err
	}
	endUnix, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return meta{}, err
	}
	return meta{
		Total:     total,
		Price:     price,
		StartTime: time.Unix(startUnix, 0).UTC(),
		EndTime:   time.Unix(endUnix, 0).UTC(),
	}, nil
}

// Status returns the read-side campaign projection.
func (s *Store) Status(ctx context.Context, productID string, now time.Time) (domain.SeckillCampaign, error) {
	rawMeta, found, err := s.kv.Get(ctx, metaKey(productID))
	if err != nil {
		return domain.SeckillCampaign{}, err
	}
	if !found {
		return domain.SeckillCampaign{}, ErrCampaignNotFound
	}
	m, err := parseMeta(rawMeta)
	if err != nil {
		return domain.SeckillCampaign{}, err
	}

	rawStock, found, err := s.kv.Get(ctx, stockKey(productID))
	if err != nil {
		return domain.SeckillCampaign{}, err
	}
	var stock int64
	if found {
		stock, err = strconv.ParseInt(rawStock, 10, 64)
		if err != nil {
			return domain.SeckillCampaign{}, err
		}
	}

	return domain.SeckillCampaign{
		ProductID:      productID,
		StockRemaining: stock,
		TotalStock:     m.Total,
		Price:          m.Price,
		StartTime:      m.StartTime,
		EndTime:        m.EndTime,
		IsActive:       !now.Before(m.StartTime) && now.Before(m.EndTime),
	}, nil
}

// Reserve runs reserveScript atomically and translates its integer
// return code to domain.ReserveOutcome.
func (s *Store) Reserve(ctx context.Context, productID, userID string) (domain.ReserveOutcome, error) {
	res, err := s.kv.Eval(ctx, reserveScript,
		[]string{stockKey(productID), winnersKey(productID), ratelimitKey(productID, userID)},
		userID, s.RateLimit, int(s.RateWindow.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("seckill reserve script: %w", err)
	}
	code, err := toInt64(res)
	if err != nil {
		return 0, err
	}
	return domain.ReserveOutcome(code), nil
}

// Release runs releaseScript atomically. The returned bool reports
// whether userId actually held a reservation (the idempotent no-op
// case returns false, not an error).
func (s *Store) Release(ctx context.Context, productID, userID string) (bool, error) {
	res, err := s.kv.Eval(ctx, releaseScript, []string{stockKey(productID), winnersKey(productID)}, userID)
	if err != nil {
		return false, fmt.Errorf("seckill release script: %w", err)
	}
	code, err := toInt64(res)
	if err != nil {
		return false, err
	}
	return code == 1, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected script return type %T", v)
	}
}
