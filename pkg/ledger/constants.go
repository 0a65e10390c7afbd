package ledger

const (
	operationSeed           = "seed"
	operationReset          = "reset"
	operationForceReset     = "force_reset"
	operationDebit          = "debit"
	operationSpend          = "spend"
	operationCredit         = "credit"
	operationSetAnniversary = "set_anniversary"

	operationStatusOK      = "ok"
	operationStatusSkipped = "skipped"
	operationStatusError   = "error"

	dateLayout          = "2006-01-02"
	amountDisplayPlaces = 2

	defaultMaxSwapAttempts = 5
)
