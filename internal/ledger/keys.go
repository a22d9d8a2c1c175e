package ledger

import "strconv"

// Round ledger key suffixes
const (
	TimesValues   = "times:values"
	TimesLast     = "times:last"
	SharesValues  = "shares:values"
	SharesCounts  = "shares:counts"
	SharesRecords = "shares:records"

	BlocksPending = "blocks:pending"
	BlocksCounts  = "blocks:counts"
)

// Hash fields of the count aggregates
const (
	FieldValidShares   = "validShares"
	FieldInvalidShares = "invalidShares"
	FieldValidBlocks   = "validBlocks"
	FieldInvalidBlocks = "invalidBlocks"
)

// Keys renders the ledger key namespace of one coin
type Keys struct {
	coin string
}

// NewKeys returns the key namespace for coin
func NewKeys(coin string) Keys {
	return Keys{coin: coin}
}

// Current returns a key of the active round, e.g. Bitcoin:rounds:current:times:last
func (k Keys) Current(suffix string) string {
	return k.coin + ":rounds:current:" + suffix
}

// Round returns a key of an archived round, e.g. Bitcoin:rounds:round-1972211:times:last
func (k Keys) Round(height int64, suffix string) string {
	return k.coin + ":rounds:round-" + strconv.FormatInt(height, 10) + ":" + suffix
}

// Main returns a coin-wide key, e.g. Bitcoin:main:blocks:pending
func (k Keys) Main(suffix string) string {
	return k.coin + ":main:" + suffix
}
