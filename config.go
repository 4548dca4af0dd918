package stm

import (
	"io"
	"log/slog"
	"time"
)

// IsolationLevel selects whether a transaction's read log is revalidated a
// second time at commit (Serialized, the opacity-preserving default) or
// whether that revalidation is skipped (Snapshot). Snapshot is exposed only
// as an explicit opt-in; see DESIGN.md's Open Question #1.
type IsolationLevel uint8

const (
	Serialized IsolationLevel = iota
	Snapshot
)

// Propagation controls how a nested Execute composes with an already-active
// transaction on the same goroutine.
type Propagation uint8

const (
	// Requires joins the active transaction if one exists, else starts one.
	Requires Propagation = iota
	// RequiresNew always starts a fresh, independent transaction.
	RequiresNew
	// Mandatory joins the active transaction, or fails with
	// ErrTransactionMandatory if there isn't one.
	Mandatory
	// Never fails with ErrTransactionMandatory if a transaction is active.
	Never
	// Supports joins the active transaction if present, else starts one,
	// exactly as Requires does.
	Supports
)

// Config is the full set of per-transaction knobs from spec.md §6. Values
// are set via functional Options over DefaultConfig(), in the style of
// _examples/Jekaa-go-mvcc-map/mvcc/options.go's config/Option/defaultConfig.
type Config struct {
	ReadLockMode    LockMode
	WriteLockMode   LockMode
	BlockingAllowed bool
	Timeout         time.Duration // 0 means unbounded
	Interruptible   bool
	MaxRetries      int
	Speculative     bool
	IsolationLevel  IsolationLevel
	Propagation     Propagation
	Readonly        bool
	Logger          *slog.Logger
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		ReadLockMode:    LockNone,
		WriteLockMode:   LockWrite,
		BlockingAllowed: true,
		Timeout:         0,
		Interruptible:   false,
		MaxRetries:      1000,
		Speculative:     true,
		IsolationLevel:  Serialized,
		Propagation:     Requires,
		Readonly:        false,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option mutates a Config being built from DefaultConfig().
type Option func(*Config)

func WithReadLockMode(m LockMode) Option  { return func(c *Config) { c.ReadLockMode = m } }
func WithWriteLockMode(m LockMode) Option { return func(c *Config) { c.WriteLockMode = m } }
func WithBlockingAllowed(b bool) Option   { return func(c *Config) { c.BlockingAllowed = b } }
func WithTimeout(d time.Duration) Option  { return func(c *Config) { c.Timeout = d } }
func WithInterruptible(b bool) Option     { return func(c *Config) { c.Interruptible = b } }
func WithMaxRetries(n int) Option         { return func(c *Config) { c.MaxRetries = n } }
func WithSpeculative(b bool) Option       { return func(c *Config) { c.Speculative = b } }
func WithIsolationLevel(l IsolationLevel) Option {
	return func(c *Config) { c.IsolationLevel = l }
}
func WithPropagation(p Propagation) Option { return func(c *Config) { c.Propagation = p } }
func WithReadonly(b bool) Option           { return func(c *Config) { c.Readonly = b } }
func WithLogger(l *slog.Logger) Option     { return func(c *Config) { c.Logger = l } }

// NewConfig builds a Config from DefaultConfig() plus the given options.
func NewConfig(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
