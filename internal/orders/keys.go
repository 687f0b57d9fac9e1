package orders

import (
	"fmt"
	"math/rand"
	"time"
)

// RunOrderKey builds the deterministic client order id for the seq-th
// intent of a run. Retried submissions of the same logical intent reuse
// the same key, so the unique index on client_order_id turns a duplicate
// submission into a constraint violation instead of a second order.
func RunOrderKey(runID uint, seq int) string {
	return fmt.Sprintf("oi_%d_%d", runID, seq)
}

// AdHocOrderKey builds a client order id for orders placed outside a run.
// There is no run/sequence context to derive a deterministic key from, so
// the key embeds a millisecond timestamp plus four random decimal digits.
func AdHocOrderKey() string {
	return fmt.Sprintf("oi_adhoc_%d_%04d", time.Now().UTC().UnixMilli(), rand.Intn(10000))
}
