package storage

import (
	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/telemetry"
)

// KeyedConfig pairs a baseline configuration with the metric stream it
// applies to. Used by the refresh scheduler at bootstrap.
type KeyedConfig struct {
	Key    telemetry.Key
	Config baseline.Config
}
