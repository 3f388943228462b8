package domain

// Quality flags attached to analytic results. An empty list means a clean
// computation; degraded conditions are reported here instead of failing the
// call.
const (
	FlagStale            = "STALE"
	FlagInsufficientData = "INSUFFICIENT_DATA"
	FlagLowSampleSize    = "LOW_SAMPLE_SIZE"
	FlagLowTradeVolume   = "LOW_TRADE_VOLUME"
	FlagZeroConsumption  = "ZERO_CONSUMPTION"
	FlagInsufficientBins = "INSUFFICIENT_BINS"
	FlagIncompleteWindow = "INCOMPLETE_WINDOW"
	FlagWSDisconnected   = "WS_DISCONNECTED"
	FlagBurstModeReduced = "BURST_MODE_REDUCED"
	FlagLowSampleCount   = "LOW_SAMPLE_COUNT"
	FlagCacheHit         = "CACHE_HIT"
)
