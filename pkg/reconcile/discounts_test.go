package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/useautumn/autumn-sub003/pkg/billing"
	"github.com/useautumn/autumn-sub003/pkg/billing/billingtest"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

func item(product, amount string) LineItem {
	return LineItem{ProcessorProductID: product, Amount: dec(amount), OriginalAmount: dec(amount)}
}

func percentOff(pct string, appliesTo ...string) billing.Discount {
	return billing.Discount{Coupon: billing.Coupon{
		ID: "pct_" + pct, PercentOff: dec(pct), AppliesTo: appliesTo, AppliesToLoaded: true,
	}}
}

func amountOff(cents int64, currency string, appliesTo ...string) billing.Discount {
	return billing.Discount{Coupon: billing.Coupon{
		ID: "off", AmountOff: cents, Currency: currency, AppliesTo: appliesTo, AppliesToLoaded: true,
	}}
}

func TestApplyDiscounts_OnlyScopedItemsChange(t *testing.T) {
	items := []LineItem{item("prod_a", "10"), item("prod_b", "10"), item("prod_c", "10")}

	for _, d := range []billing.Discount{percentOff("50", "prod_a"), amountOff(500, "usd", "prod_a", "prod_b")} {
		out := ApplyDiscounts(items, []billing.Discount{d}, "usd")
		for i, li := range out {
			if !appliesTo(d.Coupon, li) && !li.Amount.Equal(items[i].Amount) {
				t.Errorf("coupon %s changed out-of-scope item %s: %s", d.Coupon.ID, li.ProcessorProductID, li.Amount)
			}
		}
	}
}

func TestApplyDiscounts_Percent(t *testing.T) {
	items := []LineItem{item("prod_a", "10"), item("prod_b", "3.33")}

	out := ApplyDiscounts(items, []billing.Discount{percentOff("25")}, "usd")

	assert.True(t, out[0].Amount.Equal(dec("7.5")), "got %s", out[0].Amount)
	assert.True(t, out[1].Amount.Equal(dec("2.50")), "got %s", out[1].Amount)
	assert.True(t, out[0].OriginalAmount.Equal(dec("10")))
	// input is not mutated
	assert.True(t, items[0].Amount.Equal(dec("10")))
}

func TestApplyDiscounts_AmountOffProportional(t *testing.T) {
	items := []LineItem{item("prod_a", "10"), item("prod_b", "10"), item("prod_c", "10")}

	out := ApplyDiscounts(items, []billing.Discount{amountOff(1000, "usd")}, "usd")

	// 3.33 + 3.33 + 3.34
	assert.True(t, out[0].Amount.Equal(dec("6.67")), "got %s", out[0].Amount)
	assert.True(t, out[1].Amount.Equal(dec("6.67")), "got %s", out[1].Amount)
	assert.True(t, out[2].Amount.Equal(dec("6.66")), "got %s", out[2].Amount)

	total := out[0].Amount.Add(out[1].Amount).Add(out[2].Amount)
	assert.True(t, total.Equal(dec("20")), "total %s", total)
}

func TestApplyDiscounts_FloorsAtZero(t *testing.T) {
	items := []LineItem{item("prod_a", "4"), item("prod_b", "1")}

	out := ApplyDiscounts(items, []billing.Discount{amountOff(10000, "usd")}, "usd")
	for _, li := range out {
		assert.True(t, li.Amount.IsZero(), "got %s", li.Amount)
	}

	out = ApplyDiscounts(items, []billing.Discount{percentOff("150")}, "usd")
	for _, li := range out {
		assert.True(t, li.Amount.IsZero(), "got %s", li.Amount)
	}
}

func TestApplyDiscounts_CurrencyMismatch(t *testing.T) {
	items := []LineItem{item("prod_a", "10")}

	out := ApplyDiscounts(items, []billing.Discount{amountOff(500, "eur")}, "usd")
	assert.True(t, out[0].Amount.Equal(dec("10")))

	out = ApplyDiscounts(items, []billing.Discount{amountOff(500, "USD")}, "usd")
	assert.True(t, out[0].Amount.Equal(dec("5")))
}

func TestApplyDiscounts_Stacked(t *testing.T) {
	items := []LineItem{item("prod_a", "20")}

	out := ApplyDiscounts(items, []billing.Discount{percentOff("50"), amountOff(300, "")}, "usd")
	assert.True(t, out[0].Amount.Equal(dec("7")), "got %s", out[0].Amount)
}

func TestResolveDiscounts(t *testing.T) {
	proc := billingtest.New()
	proc.Coupons["sub_coupon"] = &billing.Coupon{ID: "sub_coupon", PercentOff: dec("10"), AppliesTo: []string{"prod_pro"}}

	sub := &billing.Subscription{Discounts: []billing.Discount{
		{ID: "di_1", Coupon: billing.Coupon{ID: "sub_coupon", PercentOff: dec("10")}},
		{ID: "di_2", Coupon: billing.Coupon{ID: "gone"}},
		{ID: "di_3", Coupon: billing.Coupon{ID: "loaded", AmountOff: 100, AppliesToLoaded: true}},
	}}
	customer := &billing.Customer{Discount: &billing.Discount{ID: "di_4", Coupon: billing.Coupon{ID: "sub_coupon"}}}

	got := ResolveDiscounts(context.Background(), proc, customer, sub, &billsync.NoopLogger{})

	require.Len(t, got, 2)
	assert.Equal(t, "sub_coupon", got[0].Coupon.ID)
	assert.Equal(t, []string{"prod_pro"}, got[0].Coupon.AppliesTo)
	assert.Equal(t, "loaded", got[1].Coupon.ID)
	assert.ElementsMatch(t, []string{"sub_coupon", "gone"}, proc.CouponLookups)
}
