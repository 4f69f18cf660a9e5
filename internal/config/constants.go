package config

import "time"

// Constants defining default values for application configuration
const (
	DefaultDBDriver      = "sqlite3"
	DefaultDBPath        = "./feeds.db"
	DefaultSubscriptions = "./subscriptions.opml"

	DefaultServerPort = 8080
	DefaultServerHost = "" // Empty string means all interfaces

	DefaultWorkerCount  = 0 // 0 means one goroutine per feed
	DefaultInterval     = 15 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
	DefaultFeedTimeout  = 2 * time.Minute
	DefaultUserAgent    = "feedstash/1.0 (+https://github.com/feedstash/aggregator)"

	DefaultLogLevel = "info"

	// EnvPrefix is prepended to every configuration key looked up in the environment.
	EnvPrefix = "AGGREGATOR"
)
