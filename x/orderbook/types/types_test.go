package types

import (
	"errors"
	"testing"

	"cosmossdk.io/math"
)

func dec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

func TestParseHelpers(t *testing.T) {
	testCases := []struct {
		name    string
		parse   func() (string, error)
		want    string
		wantErr error
	}{
		{"side buy", func() (string, error) { s, err := ParseSide("BUY"); return string(s), err }, "buy", nil},
		{"side sell", func() (string, error) { s, err := ParseSide("sell"); return string(s), err }, "sell", nil},
		{"side invalid", func() (string, error) { s, err := ParseSide("hold"); return string(s), err }, "", ErrInvalidSide},
		{"type default limit", func() (string, error) { v, err := ParseOrderType(""); return string(v), err }, "limit", nil},
		{"type market", func() (string, error) { v, err := ParseOrderType("Market"); return string(v), err }, "market", nil},
		{"type invalid", func() (string, error) { v, err := ParseOrderType("stop"); return string(v), err }, "", ErrInvalidOrderType},
		{"venue default lit", func() (string, error) { v, err := ParseVenue(""); return string(v), err }, "lit", nil},
		{"venue dark", func() (string, error) { v, err := ParseVenue("dark"); return string(v), err }, "dark", nil},
		{"venue invalid", func() (string, error) { v, err := ParseVenue("grey"); return string(v), err }, "", ErrInvalidVenue},
		{"tif default gtc", func() (string, error) { v, err := ParseTimeInForce(""); return string(v), err }, "gtc", nil},
		{"tif fok", func() (string, error) { v, err := ParseTimeInForce("FOK"); return string(v), err }, "fok", nil},
		{"tif invalid", func() (string, error) { v, err := ParseTimeInForce("gtd"); return string(v), err }, "", ErrInvalidTimeInForce},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.parse()
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestOrderFillTransitions(t *testing.T) {
	o := NewOrder("order-1", "acc-1", "AAPL", SideBuy, TypeLimit, dec("150"), dec("10"), VenueLit, TIFGTC, 1)

	if o.Status != StatusNew {
		t.Fatalf("expected new, got %s", o.Status)
	}
	if !o.IsActive() || o.IsTerminal() {
		t.Fatal("fresh order should be active and not terminal")
	}

	if err := o.Fill(dec("4"), dec("149")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if o.Status != StatusPartiallyFilled {
		t.Errorf("expected partially_filled, got %s", o.Status)
	}
	if !o.Remaining.Equal(dec("6")) {
		t.Errorf("expected remaining 6, got %s", o.Remaining)
	}

	if err := o.Fill(dec("7"), dec("149")); err == nil {
		t.Error("expected overfill to be rejected")
	}

	if err := o.Fill(dec("6"), dec("150")); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if o.Status != StatusFilled {
		t.Errorf("expected filled, got %s", o.Status)
	}
	if !o.IsTerminal() {
		t.Error("filled order should be terminal")
	}

	// VWAP over both executions: (4*149 + 6*150) / 10 = 149.6
	if !o.AvgPrice().Equal(dec("149.6")) {
		t.Errorf("expected average price 149.6, got %s", o.AvgPrice())
	}
}

func TestBookScoreAndMember(t *testing.T) {
	buy := NewOrder("order-b", "acc-1", "AAPL", SideBuy, TypeLimit, dec("150.25"), dec("1"), VenueLit, TIFGTC, 42)
	sell := NewOrder("order-s", "acc-2", "AAPL", SideSell, TypeLimit, dec("150.25"), dec("1"), VenueLit, TIFGTC, 43)

	if buy.BookScore() >= 0 {
		t.Errorf("buy score should be negative, got %f", buy.BookScore())
	}
	if sell.BookScore() <= 0 {
		t.Errorf("sell score should be positive, got %f", sell.BookScore())
	}

	member := buy.BookMember()
	seq, id, err := ParseBookMember(member)
	if err != nil {
		t.Fatalf("parse member: %v", err)
	}
	if seq != 42 || id != "order-b" {
		t.Errorf("expected 42/order-b, got %d/%s", seq, id)
	}

	// Lower sequences sort first at equal score.
	earlier := NewOrder("order-e", "acc-1", "AAPL", SideBuy, TypeLimit, dec("150.25"), dec("1"), VenueLit, TIFGTC, 41)
	if !(earlier.BookMember() < buy.BookMember()) {
		t.Error("expected earlier sequence to sort before later at the same price")
	}

	if _, _, err := ParseBookMember("noseparator"); err == nil {
		t.Error("expected malformed member to fail")
	}
}

func TestOrderFieldsRoundTrip(t *testing.T) {
	o := NewOrder("order-1", "acc-1", "AAPL", SideSell, TypeLimit, dec("151.5"), dec("25"), VenueDark, TIFDay, 7)
	if err := o.Fill(dec("5"), dec("151.5")); err != nil {
		t.Fatalf("fill: %v", err)
	}

	got, err := OrderFromFields(o.ToFields())
	if err != nil {
		t.Fatalf("from fields: %v", err)
	}
	if got.ID != o.ID || got.AccountID != o.AccountID || got.Symbol != o.Symbol {
		t.Errorf("identity fields mangled: %+v", got)
	}
	if got.Side != SideSell || got.Venue != VenueDark || got.TIF != TIFDay {
		t.Errorf("enum fields mangled: %+v", got)
	}
	if !got.Remaining.Equal(dec("20")) || !got.ExecutedQty.Equal(dec("5")) {
		t.Errorf("quantities mangled: remaining %s executed %s", got.Remaining, got.ExecutedQty)
	}
	if got.Sequence != 7 {
		t.Errorf("expected sequence 7, got %d", got.Sequence)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Errorf("created_at mangled: %s vs %s", got.CreatedAt, o.CreatedAt)
	}

	if _, err := OrderFromFields(map[string]string{}); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound for empty hash, got %v", err)
	}
}

func TestNewTradeSideMapping(t *testing.T) {
	buyTaker := NewOrder("order-t", "acc-buyer", "AAPL", SideBuy, TypeLimit, dec("151"), dec("5"), VenueLit, TIFGTC, 2)
	sellMaker := NewOrder("order-m", "acc-seller", "AAPL", SideSell, TypeLimit, dec("150"), dec("5"), VenueDark, TIFGTC, 1)

	trade := NewTrade("trade-1", buyTaker, sellMaker, dec("150"), dec("5"))
	if trade.BuyOrderID != "order-t" || trade.SellOrderID != "order-m" {
		t.Errorf("order ids mapped wrong: %+v", trade)
	}
	if trade.BuyerAccountID != "acc-buyer" || trade.SellerAccountID != "acc-seller" {
		t.Errorf("account ids mapped wrong: %+v", trade)
	}
	if trade.Venue != VenueDark {
		t.Errorf("expected maker venue dark, got %s", trade.Venue)
	}
	if trade.TakerSide != SideBuy {
		t.Errorf("expected taker side buy, got %s", trade.TakerSide)
	}
	if !trade.Value().Equal(dec("750")) {
		t.Errorf("expected value 750, got %s", trade.Value())
	}

	// Mirror case: sell taker against resting buy.
	sellTaker := NewOrder("order-t2", "acc-seller", "AAPL", SideSell, TypeMarket, dec("0"), dec("3"), VenueLit, TIFIOC, 4)
	buyMaker := NewOrder("order-m2", "acc-buyer", "AAPL", SideBuy, TypeLimit, dec("150"), dec("3"), VenueLit, TIFGTC, 3)
	trade = NewTrade("trade-2", sellTaker, buyMaker, dec("150"), dec("3"))
	if trade.BuyOrderID != "order-m2" || trade.SellOrderID != "order-t2" {
		t.Errorf("order ids mapped wrong for sell taker: %+v", trade)
	}
	if trade.TakerSide != SideSell {
		t.Errorf("expected taker side sell, got %s", trade.TakerSide)
	}
}
