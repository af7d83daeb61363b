package models

// Event kinds the sync layer treats specially.
const (
	KindProfileMetadata = 0
	KindLiveEvent       = 30311
)
