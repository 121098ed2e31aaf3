// Package orders keeps user order records in the hot store, one hash
// per user with a field per order id.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/YaganovValera/candle-feeder/services/feeder/pkg/hotstore"
)

// Status — жизненный цикл ордера.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusClosed          Status = "CLOSED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal: CLOSED и CANCELLED больше не меняются.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// Event is one state change of an order.
type Event struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Time int64                  `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Order is the stored record. Events is the legacy embedded history;
// new records keep it empty and history lives in the event stream.
type Order struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Status    Status  `json:"status"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Filled    float64 `json:"filled"`
	CreatedAt int64   `json:"createdAt"`
	UpdatedAt int64   `json:"updatedAt"`
	Events    []Event `json:"events,omitempty"`
}

const keyPrefix = "orders:"

// Store reads and writes orders in the hot store.
type Store struct {
	hot hotstore.Storage
}

func NewStore(hot hotstore.Storage) *Store { return &Store{hot: hot} }

// List returns a user's orders sorted by creation time.
func (s *Store) List(ctx context.Context, userID string) ([]Order, error) {
	all, err := s.hot.HGetAll(ctx, keyPrefix+userID)
	if err != nil {
		return nil, fmt.Errorf("orders: list %s: %w", userID, err)
	}
	out := make([]Order, 0, len(all))
	for id, raw := range all {
		var o Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("orders: decode %s/%s: %w", userID, id, err)
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Put upserts orders; they are grouped by UserID.
func (s *Store) Put(ctx context.Context, orders ...Order) error {
	byUser := make(map[string]map[string][]byte)
	for _, o := range orders {
		raw, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("orders: encode %s: %w", o.ID, err)
		}
		if byUser[o.UserID] == nil {
			byUser[o.UserID] = make(map[string][]byte)
		}
		byUser[o.UserID][o.ID] = raw
	}
	for user, values := range byUser {
		if err := s.hot.HSet(ctx, keyPrefix+user, values); err != nil {
			return fmt.Errorf("orders: put %s: %w", user, err)
		}
	}
	return nil
}

// Delete removes orders of one user by id.
func (s *Store) Delete(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.hot.HDel(ctx, keyPrefix+userID, ids...); err != nil {
		return fmt.Errorf("orders: delete %s: %w", userID, err)
	}
	return nil
}

// Users lists every user that has orders in the hot store.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	keys, err := s.hot.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("orders: scan: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, keyPrefix))
	}
	sort.Strings(out)
	return out, nil
}
