package taskname

const (
	// Ledger tasks
	PayoutRun       = "payout:run"
	PayoutRunAuthor = "payout:run:author"

	// Order tasks
	OrderDeadlineSweep = "orders:deadline:sweep"
)
