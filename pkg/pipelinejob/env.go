package pipelinejob

import (
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusflow/pkg/controlplane"
	"github.com/3leaps/nimbusflow/pkg/pipelinespec"
)

// Clock abstracts time for the wait loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Env is the process-level context a job is built in: identity defaults and
// the collaborators used to reach the remote service. It is assembled once at
// startup and passed explicitly.
type Env struct {
	// Project and Location are used when a job does not name its own.
	Project  string
	Location string

	// StagingBucket is the last-resort pipeline root.
	StagingBucket string

	// EncryptionKeyName is the default customer-managed key.
	EncryptionKeyName string

	// Client reaches the control plane and metadata store (required).
	Client controlplane.Service

	// Fetcher reads templates (required by New).
	Fetcher pipelinespec.Fetcher

	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// Level, when set, is raised to info for TFX templates so wait progress
	// is visible.
	Level *zap.AtomicLevel

	// Clock defaults to the wall clock.
	Clock Clock

	// LineagePollAttempts bounds experiment context polling; zero uses the
	// experiment package default.
	LineagePollAttempts int

	// LineagePollInterval is the experiment context poll period; zero uses
	// the experiment package default.
	LineagePollInterval time.Duration
}

func (e Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Env) clock() Clock {
	if e.Clock == nil {
		return realClock{}
	}
	return e.Clock
}
