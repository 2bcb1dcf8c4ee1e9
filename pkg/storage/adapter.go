package storage

import (
	"time"

	"github.com/vertexbook/engine/pkg/matching"
	"github.com/vertexbook/engine/pkg/order"
	"github.com/vertexbook/engine/pkg/orderbook"
)

const (
	prefixOrder = "o"
	prefixFill  = "f"
)

func sideString(s orderbook.Side) string {
	if s == orderbook.Buy {
		return "buy"
	}
	return "sell"
}

func orderTypeString(t matching.OrderType) string {
	if t == matching.Market {
		return "market"
	}
	return "limit"
}

func tifString(tif matching.TimeInForce) string {
	switch tif {
	case matching.IOC:
		return "ioc"
	case matching.FOK:
		return "fok"
	default:
		return "gtc"
	}
}

// OrderStore satisfies order.Store, writing every order/fill to the hot-path
// KV store and, when rel is non-nil, mirroring it into the relational store
// for durable reporting.
type OrderStore struct {
	kv  *KVStore
	rel *RelationalStore
}

func NewOrderStore(kv *KVStore, rel *RelationalStore) *OrderStore {
	return &OrderStore{kv: kv, rel: rel}
}

func (s *OrderStore) SaveOrder(o *order.Order) error {
	if err := s.kv.Put(prefixOrder, o.ID, o, true); err != nil {
		return err
	}
	if s.rel == nil {
		return nil
	}
	return s.rel.UpsertOrder(&OrderRecord{
		ID: o.ID, UserID: o.UserID, Symbol: o.Symbol,
		Side: sideString(o.Side), Type: orderTypeString(o.Type), TIF: tifString(o.TIF),
		PostOnly: o.PostOnly, Price: o.Price.String(), Qty: o.Qty.String(),
		FilledQty: o.FilledQty.String(), Status: string(o.Status),
		LockedMargin: o.LockedMargin.String(), Leverage: o.Leverage,
		OCOGroupID: o.OCOGroupID, RejectReason: o.RejectReason,
		CreatedAt: time.UnixMilli(o.CreatedAt), UpdatedAt: time.UnixMilli(o.UpdatedAt),
	})
}

func (s *OrderStore) SaveFill(f *order.Fill) error {
	if err := s.kv.Put(prefixFill, f.ID, f, true); err != nil {
		return err
	}
	if s.rel == nil {
		return nil
	}
	return s.rel.InsertFill(&FillRecord{
		ID: f.ID, OrderID: f.OrderID, UserID: f.UserID, Symbol: f.Symbol,
		Price: f.Price.String(), Qty: f.Qty.String(), Fee: f.Fee.String(),
		IsMaker: f.IsMaker, Timestamp: time.UnixMilli(f.Timestamp),
	})
}

// LoadOrder reads a single order snapshot back out of the KV store.
func (s *OrderStore) LoadOrder(id string) (*order.Order, bool, error) {
	var o order.Order
	ok, err := s.kv.Get(prefixOrder, id, &o)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &o, true, nil
}
