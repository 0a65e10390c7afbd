package ledger

// ComputeNewBalance returns the balance a user holds after a reset.
// Without rollover the replenishment replaces the balance. With rollover it is
// added to the current balance and capped at rolloverCap when the cap is positive.
func ComputeNewBalance(current Amount, replenish Amount, allowRollover bool, rolloverCap Amount) Amount {
	if !allowRollover {
		return replenish
	}
	next := current.Add(replenish)
	if rolloverCap.IsPositive() {
		return next.Min(rolloverCap)
	}
	return next
}

// Project applies ComputeNewBalance with the snapshot's policy.
func (config ResetConfig) Project(current Amount) Amount {
	return ComputeNewBalance(current, config.YearlyAmount, config.AllowRollover, config.RolloverMax)
}
