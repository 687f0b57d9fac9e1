package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/quantdesk/trade-api/internal/orders"
	"github.com/quantdesk/trade-api/internal/types"
)

func setupReconciler(t *testing.T) (*Reconciler, *orders.Ledger) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}, &types.Fill{}))
	ledger := orders.NewLedger(db)
	return NewReconciler(ledger), ledger
}

func seedOrder(t *testing.T, ledger *orders.Ledger, clientID string, runID *uint, qty float64) {
	t.Helper()
	// Inserted directly so the run reference survives; CreateAdHoc is for
	// orders outside any run and clears it.
	require.NoError(t, ledger.DB().CreateOrder(&types.Order{
		ClientOrderID: clientID,
		RunID:         runID,
		Symbol:        "AAA",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeMarket,
		Quantity:      qty,
		RefPrice:      50,
		Status:        types.OrderStatusNew,
		StatusAt:      time.Now().UTC(),
	}))
}

func TestUnknownTagIsDroppedWithoutError(t *testing.T) {
	r, ledger := setupReconciler(t)

	err := r.Apply(types.ExecutionEvent{
		Tag:           "oi_999_0",
		Kind:          types.EventSubmitted,
		BrokerOrderID: "BRK-1",
	})
	require.NoError(t, err)

	// Dropping must not manufacture an order for the stray tag.
	order, err := ledger.DB().GetOrderByClientID("oi_999_0")
	require.NoError(t, err)
	assert.Nil(t, order)
}

func TestValidationRejectsMalformedEvents(t *testing.T) {
	r, _ := setupReconciler(t)

	cases := []types.ExecutionEvent{
		{Kind: types.EventSubmitted, BrokerOrderID: "BRK-1"},           // no tag
		{Tag: "oi_1_0", Kind: types.EventSubmitted},                    // no broker id
		{Tag: "oi_1_0", Kind: types.EventFilled, Quantity: 0, Price: 5},
		{Tag: "oi_1_0", Kind: types.EventFilled, Quantity: 5, Price: 0},
		{Tag: "oi_1_0", Kind: "exploded"},
	}
	for _, ev := range cases {
		assert.ErrorIs(t, r.Apply(ev), ErrInvalidEvent)
	}
}

func TestEventSequenceDrivesOrderToFilled(t *testing.T) {
	r, ledger := setupReconciler(t)
	seedOrder(t, ledger, "oi_7_0", nil, 10)

	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_7_0", Kind: types.EventSubmitted, BrokerOrderID: "BRK-7",
	}))
	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_7_0", Kind: types.EventFilled, ExecID: "BRK-7-F0", Quantity: 4, Price: 100,
	}))
	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_7_0", Kind: types.EventFilled, ExecID: "BRK-7-F1", Quantity: 6, Price: 102,
	}))

	order, err := ledger.DB().GetOrderByClientID("oi_7_0")
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.Equal(t, 10.0, order.FilledQty)
	assert.InDelta(t, 101.2, order.AvgFillPrice, 1e-9)
}

func TestRedeliveredSequenceIsIdempotent(t *testing.T) {
	r, ledger := setupReconciler(t)
	seedOrder(t, ledger, "oi_8_0", nil, 5)

	events := []types.ExecutionEvent{
		{Tag: "oi_8_0", Kind: types.EventSubmitted, BrokerOrderID: "BRK-8"},
		{Tag: "oi_8_0", Kind: types.EventFilled, ExecID: "BRK-8-F0", Quantity: 5, Price: 20},
	}
	for _, ev := range events {
		require.NoError(t, r.Apply(ev))
	}
	// The broker redelivers the whole sequence.
	for _, ev := range events {
		require.NoError(t, r.Apply(ev))
	}

	order, err := ledger.DB().GetOrderByClientID("oi_8_0")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.Equal(t, 5.0, order.FilledQty)

	fills, err := ledger.DB().GetFillsByOrder(order.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestRejectedEventRecordsReason(t *testing.T) {
	r, ledger := setupReconciler(t)
	seedOrder(t, ledger, "oi_9_0", nil, 5)

	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_9_0", Kind: types.EventRejected, Reason: "insufficient buying power",
	}))

	order, err := ledger.DB().GetOrderByClientID("oi_9_0")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, order.Status)
	require.NotNil(t, order.RejectReason)
	assert.Equal(t, "insufficient buying power", *order.RejectReason)
}

func TestRunTouchedFiresForRunOrders(t *testing.T) {
	r, ledger := setupReconciler(t)

	runID := uint(42)
	seedOrder(t, ledger, "oi_42_0", &runID, 5)
	seedOrder(t, ledger, "oi_adhoc_1_0001", nil, 5)

	var touched []uint
	r.RunTouched = func(id uint) { touched = append(touched, id) }

	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_42_0", Kind: types.EventSubmitted, BrokerOrderID: "BRK-42",
	}))
	require.NoError(t, r.Apply(types.ExecutionEvent{
		Tag: "oi_adhoc_1_0001", Kind: types.EventSubmitted, BrokerOrderID: "BRK-43",
	}))

	assert.Equal(t, []uint{42}, touched)
}
