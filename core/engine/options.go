package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/ProKn1fe/LiteDB/core/bson"
	"github.com/ProKn1fe/LiteDB/pkg/logger"
	"github.com/ProKn1fe/LiteDB/pkg/telemetry"
)

// Options configures an engine instance. The zero value opens an in-memory
// database with defaults.
type Options struct {
	// Filename is the data file path; empty or ":memory:" selects an
	// in-memory database.
	Filename string
	// Password encrypts the data file (AES-XTS).
	Password string
	// ReadOnly opens the file without write access.
	ReadOnly bool
	// InitialSize pre-allocates the file to this many bytes on creation.
	InitialSize int64
	// LimitSize caps the data file size (LIMIT_SIZE pragma) on creation.
	LimitSize int64
	// Timeout is the lock acquisition timeout; overrides the TIMEOUT pragma
	// for this instance when non-zero.
	Timeout time.Duration
	// Collation is the "culture/options" string fixed at database creation.
	Collation string

	// CacheSegmentPages is the number of page buffers carved per cache
	// segment.
	CacheSegmentPages int
	// MaxCacheSegments is the cache growth ceiling before eviction.
	MaxCacheSegments int
	// MaxTransactionSize is defaulted to 100,000 but is not passed to the
	// transaction service: transactions always take a safepoint flush at
	// transactions.DefaultMaxTransactionSize materialized pages, whatever
	// this field holds.
	MaxTransactionSize int
	// CheckpointBytesPerSec throttles checkpoint page copies; zero disables
	// throttling.
	CheckpointBytesPerSec int64

	// Logger overrides the engine logger. When nil, LogConfig builds one;
	// when both are absent logging is disabled.
	Logger    *zap.Logger
	LogConfig *logger.Config

	// Telemetry configures the OpenTelemetry metrics setup.
	Telemetry telemetry.Config
}

func (o *Options) applyDefaults() {
	if o.Collation == "" {
		o.Collation = bson.BinaryCollation
	}
	if o.CacheSegmentPages <= 0 {
		o.CacheSegmentPages = 50
	}
	if o.MaxCacheSegments <= 0 {
		o.MaxCacheSegments = 20
	}
	if o.MaxTransactionSize <= 0 {
		o.MaxTransactionSize = 100_000
	}
}

func (o *Options) buildLogger() (*zap.Logger, error) {
	if o.Logger != nil {
		return o.Logger, nil
	}
	if o.LogConfig != nil {
		return logger.New(*o.LogConfig)
	}
	return zap.NewNop(), nil
}
