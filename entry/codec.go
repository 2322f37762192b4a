package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
)

// Codec creates, validates and migrates entries.
type Codec struct {
	version string
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Codec) {
		c.logger = logger
	}
}

// WithCurrentVersion overrides the format version considered current.
func WithCurrentVersion(v string) Option {
	return func(c *Codec) {
		c.version = v
	}
}

// NewCodec creates a codec for CurrentVersion.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{
		version: CurrentVersion,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "entry-codec")
	return c
}

// Version returns the format version the codec writes.
func (c *Codec) Version() string {
	return c.version
}

type createOptions struct {
	ttl     time.Duration
	kind    Kind
	version string
}

// CreateOption customises a single Create call.
type CreateOption func(*createOptions)

// WithTTL sets an explicit TTL, overriding the kind default.
func WithTTL(ttl time.Duration) CreateOption {
	return func(o *createOptions) {
		o.ttl = ttl
	}
}

// WithKind selects the default TTL by volatility.
func WithKind(k Kind) CreateOption {
	return func(o *createOptions) {
		o.kind = k
	}
}

// WithVersion stamps the entry with a specific format version.
func WithVersion(v string) CreateOption {
	return func(o *createOptions) {
		o.version = v
	}
}

// Create wraps data in a new entry timestamped now. A payload that cannot be
// serialized produces an entry with a null payload and the "invalid"
// checksum; it never fails.
func (c *Codec) Create(data any, opts ...CreateOption) *Entry {
	o := createOptions{kind: KindStatic, version: c.version}
	for _, opt := range opts {
		opt(&o)
	}
	ttl := o.ttl
	if ttl <= 0 {
		ttl = o.kind.TTL()
	}

	e := &Entry{
		Version:   o.version,
		Timestamp: c.now().UTC(),
		TTL:       ttl,
	}

	canon, err := canonicalJSON(data)
	if err != nil {
		c.logger.Warn("serializing entry payload failed", "error", err)
		e.Data = json.RawMessage("null")
		e.Checksum = offlinecache.InvalidChecksum
		return e
	}
	e.Data = canon
	e.Checksum = offlinecache.HashBytes(canon).Checksum()
	return e
}

// Validation is the outcome of validating one entry.
type Validation struct {
	IsValid         bool
	IsExpired       bool
	IsVersionValid  bool
	IsChecksumValid bool
	Age             time.Duration
	Issues          []string
}

// Validate checks expiry, version and integrity of e.
func (c *Codec) Validate(e *Entry) Validation {
	if e == nil {
		return Validation{
			IsExpired: true,
			Issues:    []string{"entry is missing or malformed"},
		}
	}

	v := Validation{Age: c.now().Sub(e.Timestamp)}
	v.IsExpired = v.Age > e.TTL
	v.IsVersionValid = e.Version == c.version
	computed := Checksum(e.Data)
	v.IsChecksumValid = e.Checksum != offlinecache.InvalidChecksum && computed == e.Checksum

	if v.IsExpired {
		v.Issues = append(v.Issues, fmt.Sprintf("entry expired: age %s exceeds ttl %s", v.Age.Round(time.Second), e.TTL))
	}
	if !v.IsVersionValid {
		v.Issues = append(v.Issues, fmt.Sprintf("version mismatch: entry %q, current %q", e.Version, c.version))
	}
	if !v.IsChecksumValid {
		v.Issues = append(v.Issues, fmt.Sprintf("checksum mismatch: stored %q", e.Checksum))
	}
	v.IsValid = !v.IsExpired && v.IsVersionValid && v.IsChecksumValid
	return v
}

// NeedsRefresh reports whether e is invalid or past DefaultRefreshThreshold
// of its TTL.
func (c *Codec) NeedsRefresh(e *Entry) bool {
	return c.NeedsRefreshAt(e, DefaultRefreshThreshold)
}

// NeedsRefreshAt is NeedsRefresh with an explicit threshold fraction.
func (c *Codec) NeedsRefreshAt(e *Entry, fraction float64) bool {
	v := c.Validate(e)
	if !v.IsValid {
		return true
	}
	return float64(v.Age) >= fraction*float64(e.TTL)
}

// Migrate decodes a persisted entry, upgrading legacy shapes to the current
// version. It returns nil for absent or unrecognisable input.
func (c *Codec) Migrate(raw []byte) *Entry {
	e, _ := c.migrate(raw)
	return e
}

// migrate reports whether the entry had to be upgraded.
func (c *Codec) migrate(raw []byte) (*Entry, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	var le looseEntry
	if err := json.Unmarshal(raw, &le); err != nil {
		c.logger.Debug("unrecognised entry", "error", err)
		return nil, false
	}
	if len(le.Data) == 0 {
		return nil, false
	}

	ts, err := parseTimestamp(le.Timestamp)
	if err != nil {
		c.logger.Debug("unrecognised entry timestamp", "error", err)
		return nil, false
	}

	e := &Entry{Data: le.Data, Timestamp: ts}
	if le.TTL != nil {
		e.TTL = time.Duration(*le.TTL) * time.Millisecond
	}
	if le.Checksum != nil {
		e.Checksum = *le.Checksum
	}
	if le.Version != nil {
		e.Version = *le.Version
	}

	current := le.Version != nil && e.Version == c.version &&
		le.TTL != nil && le.Checksum != nil &&
		len(le.Timestamp) > 0 && le.Timestamp[0] == '"'
	if current {
		return e, false
	}
	return c.upgrade(e), true
}

// MigrateEntry upgrades a decoded entry. Entries already at the current
// version are returned as is.
func (c *Codec) MigrateEntry(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	if e.Version == c.version {
		return e
	}
	return c.upgrade(e)
}

// upgrade returns a copy of e carrying the current version. Missing TTLs
// fall back to the dynamic TTL and missing checksums are recomputed.
func (c *Codec) upgrade(e *Entry) *Entry {
	out := *e
	from := out.Version
	out.Version = c.version
	if out.TTL <= 0 {
		out.TTL = DynamicTTL
	}
	if out.Checksum == "" {
		out.Checksum = Checksum(out.Data)
	}
	c.logger.Debug("migrated entry", "from_version", from, "to_version", c.version)
	return &out
}

// Health aggregates validation results over a set of entries.
type Health struct {
	TotalEntries      int           `json:"total_entries"`
	ValidEntries      int           `json:"valid_entries"`
	ExpiredEntries    int           `json:"expired_entries"`
	VersionMismatches int           `json:"version_mismatches"`
	IntegrityFailures int           `json:"integrity_failures"`
	AverageAge        time.Duration `json:"average_age"`
}

// HealthMetrics folds Validate over entries. Nil entries count as
// integrity failures.
func (c *Codec) HealthMetrics(entries []*Entry) Health {
	h := Health{TotalEntries: len(entries)}
	var totalAge time.Duration
	var aged int
	for _, e := range entries {
		if e == nil {
			h.IntegrityFailures++
			continue
		}
		v := c.Validate(e)
		if v.IsValid {
			h.ValidEntries++
		}
		if v.IsExpired {
			h.ExpiredEntries++
		}
		if !v.IsVersionValid {
			h.VersionMismatches++
		}
		if !v.IsChecksumValid {
			h.IntegrityFailures++
		}
		totalAge += v.Age
		aged++
	}
	if aged > 0 {
		h.AverageAge = totalAge / time.Duration(aged)
	}
	return h
}
