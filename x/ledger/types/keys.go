package types

// Account keyspace. Orders and books live in their own keys so the startup
// clear can wipe trading state without touching customer money.
const (
	KeyAccounts = "accounts" // set of every account id
)

// AccountKey is the canonical account hash.
func AccountKey(id string) string { return "account:" + id }

// PositionsKey is the per-account positions hash, one field per symbol.
func PositionsKey(accountID string) string { return "positions:" + accountID }

// TransactionsKey is the per-account transaction log, newest first.
func TransactionsKey(accountID string) string { return "txn:" + accountID }

// ReservationKey is the hold backing one open order.
func ReservationKey(orderID string) string { return "reservation:" + orderID }
