// Package store provides the App Data Store: named sections persisted through
// the secure codec pipeline into an Index. External packages construct the
// store via New.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/haukened/securestore/internal/codec"
	"github.com/haukened/securestore/internal/domain"
	"github.com/haukened/securestore/internal/integrity"
)

// Metric names emitted by the store.
const (
	CounterSectionsSaved   = "sections_saved_total"
	CounterSectionsLoaded  = "sections_loaded_total"
	CounterSectionsSkipped = "sections_skipped_total"
	CounterDecodeFallback  = "decode_fallback_total"
	SummarySavePayload     = "save_payload_bytes"
)

// Store encodes every section under the active configuration and writes
// them in one transaction. Loads never fail because of a single bad section.
type Store struct {
	index        Index
	pipeline     *codec.Pipeline
	config       ConfigSource
	clock        Clock
	recorder     Recorder
	logger       *slog.Logger
	verifyOnRead bool
}

// Options carries the optional collaborators of a Store.
type Options struct {
	Clock    Clock
	Recorder Recorder
	Logger   *slog.Logger
	// VerifyOnRead compares loaded sections with their recorded checksums
	// and logs mismatches.
	VerifyOnRead bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type nopRecorder struct{}

func (nopRecorder) Inc(string, int64)     {}
func (nopRecorder) Observe(string, int64) {}

// New returns a Store.
func New(index Index, pipeline *codec.Pipeline, config ConfigSource, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		index:        index,
		pipeline:     pipeline,
		config:       config,
		clock:        opts.Clock,
		recorder:     opts.Recorder,
		logger:       opts.Logger.With("domain", "store"),
		verifyOnRead: opts.VerifyOnRead,
	}
}

// SaveOption amends the batch written by SaveWith.
type SaveOption func(*Batch)

// WithSettings persists cfg in the same transaction as the sections.
func WithSettings(cfg domain.SecurityConfig) SaveOption {
	return func(b *Batch) { b.Settings = &cfg }
}

// WithPasswordChange records a password change in the same transaction.
func WithPasswordChange(at time.Time) SaveOption {
	return func(b *Batch) { b.PasswordChangedAt = at }
}

// Save encodes sections under the active configuration.
func (s *Store) Save(ctx context.Context, sections map[string]any) error {
	return s.SaveWith(ctx, sections, s.config.Current())
}

// SaveWith encodes sections under cfg and writes them, plus their metadata
// when checksums are enabled, in a single transaction. With checksums
// disabled any existing metadata row for a saved section is removed, so an
// old checksum never describes new content. Nothing is written if any
// section fails to encode.
func (s *Store) SaveWith(ctx context.Context, sections map[string]any, cfg domain.SecurityConfig, opts ...SaveOption) error {
	if s == nil || s.index == nil || s.pipeline == nil {
		return errors.New("store not properly initialized")
	}
	cfg = cfg.Normalize()
	b := Batch{Now: s.clock.Now()}
	var total int64
	for _, key := range sortedKeys(sections) {
		v := sections[key]
		payload, err := s.pipeline.Encode(v, cfg)
		if err != nil {
			return fmt.Errorf("%w: encode %q: %v", domain.ErrStorage, key, err)
		}
		b.Records = append(b.Records, domain.SecureRecord{Key: key, Payload: payload})
		total += int64(len(payload))
		if cfg.ChecksumsEnabled {
			sum, err := integrity.Checksum(v)
			if err != nil {
				return fmt.Errorf("%w: checksum %q: %v", domain.ErrStorage, key, err)
			}
			b.Metadata = append(b.Metadata, domain.SecurityMetadata{
				TableName:          domain.MetadataName(key),
				EncryptionEnabled:  cfg.EncryptionEnabled,
				CompressionEnabled: cfg.CompressionEnabled,
				CompressionType:    cfg.CompressionType,
				Checksum:           sum,
			})
		} else {
			b.DeleteMetadata = append(b.DeleteMetadata, domain.MetadataName(key))
		}
	}
	for _, o := range opts {
		o(&b)
	}
	if err := s.index.Write(ctx, b); err != nil {
		if errors.Is(err, domain.ErrStorageBusy) || errors.Is(err, domain.ErrStorage) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	s.recorder.Inc(CounterSectionsSaved, int64(len(b.Records)))
	s.recorder.Observe(SummarySavePayload, total)
	return nil
}

// Load decodes every stored section under the active configuration.
// Undecodable sections are logged and omitted.
func (s *Store) Load(ctx context.Context) (map[string]any, error) {
	out, _, err := s.LoadWith(ctx, s.config.Current())
	return out, err
}

// LoadWith decodes every stored section using cfg to order the decode
// candidates. skipped lists the keys that could not be decoded. Only a
// failure to read the index is returned as an error.
func (s *Store) LoadWith(ctx context.Context, cfg domain.SecurityConfig) (sections map[string]any, skipped []string, err error) {
	recs, err := s.index.ReadSections(ctx)
	if err != nil {
		return nil, nil, indexErr("read sections", err)
	}
	var sums map[string]string
	if s.verifyOnRead {
		sums = s.checksums(ctx)
	}
	sections = make(map[string]any, len(recs))
	for _, r := range recs {
		res, err := s.pipeline.Decode(r.Key, r.Payload, cfg)
		if err != nil {
			s.logger.Warn("section undecodable, skipping", "section", r.Key, "err", err)
			skipped = append(skipped, r.Key)
			continue
		}
		if res.Fallback {
			s.logger.Debug("section decoded by fallback", "section", r.Key, "attempt", res.Attempt)
			s.recorder.Inc(CounterDecodeFallback, 1)
		}
		if want, ok := sums[r.Key]; ok && want != "" {
			if err := integrity.Verify(res.Value, want); err != nil {
				s.logger.Warn("section checksum mismatch", "section", r.Key, "err", err)
			}
		}
		sections[r.Key] = res.Value
	}
	s.recorder.Inc(CounterSectionsLoaded, int64(len(sections)))
	s.recorder.Inc(CounterSectionsSkipped, int64(len(skipped)))
	return sections, skipped, nil
}

func (s *Store) checksums(ctx context.Context) map[string]string {
	meta, err := s.index.Metadata(ctx)
	if err != nil {
		s.logger.Warn("read metadata", "err", err)
		return nil
	}
	out := make(map[string]string, len(meta))
	for _, m := range meta {
		if key, ok := strings.CutPrefix(m.TableName, domain.MetadataTablePrefix); ok {
			out[key] = m.Checksum
		}
	}
	return out
}

// Clear overwrites every well-known section, and every other stored section,
// with an explicit empty value. Tables are kept.
func (s *Store) Clear(ctx context.Context) error {
	current, skipped, err := s.LoadWith(ctx, s.config.Current())
	if err != nil {
		return err
	}
	empty := domain.EmptySections()
	for k, v := range current {
		if _, ok := empty[k]; !ok {
			empty[k] = domain.EmptyLike(v)
		}
	}
	for _, k := range skipped {
		if _, ok := empty[k]; !ok {
			empty[k] = nil
		}
	}
	return s.Save(ctx, empty)
}

// IntegrityStatus classifies one section in an integrity audit.
type IntegrityStatus string

const (
	IntegrityOK          IntegrityStatus = "ok"
	IntegrityMismatch    IntegrityStatus = "mismatch"
	IntegrityMissing     IntegrityStatus = "missing"
	IntegrityUndecodable IntegrityStatus = "undecodable"
)

// IntegrityResult is the audit outcome for one section.
type IntegrityResult struct {
	Section string          `json:"section"`
	Status  IntegrityStatus `json:"status"`
	Attempt string          `json:"attempt,omitempty"`
}

// VerifyIntegrity decodes every section and compares it with its recorded
// checksum. Sections without metadata are reported as missing.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]IntegrityResult, error) {
	recs, err := s.index.ReadSections(ctx)
	if err != nil {
		return nil, indexErr("read sections", err)
	}
	meta, err := s.index.Metadata(ctx)
	if err != nil {
		return nil, indexErr("read metadata", err)
	}
	sums := make(map[string]string, len(meta))
	for _, m := range meta {
		sums[m.TableName] = m.Checksum
	}
	cfg := s.config.Current()
	out := make([]IntegrityResult, 0, len(recs))
	for _, r := range recs {
		res, err := s.pipeline.Decode(r.Key, r.Payload, cfg)
		if err != nil {
			out = append(out, IntegrityResult{Section: r.Key, Status: IntegrityUndecodable})
			continue
		}
		ir := IntegrityResult{Section: r.Key, Attempt: res.Attempt}
		sum, ok := sums[domain.MetadataName(r.Key)]
		switch {
		case !ok || sum == "":
			ir.Status = IntegrityMissing
		case integrity.Verify(res.Value, sum) != nil:
			ir.Status = IntegrityMismatch
		default:
			ir.Status = IntegrityOK
		}
		out = append(out, ir)
	}
	return out, nil
}

// Stats is the storage statistics snapshot.
type Stats struct {
	FileSizeBytes    int64                 `json:"file_size_bytes"`
	TotalRecords     int64                 `json:"total_records"`
	TableCounts      map[string]int64      `json:"per_section_record_counts"`
	SectionBytes     map[string]int64      `json:"section_payload_bytes"`
	SecurityFeatures domain.SecurityConfig `json:"security_features"`
}

// Stats reports storage statistics together with the active configuration.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	is, err := s.index.Stats(ctx)
	if err != nil {
		return Stats{}, indexErr("stats", err)
	}
	return Stats{
		FileSizeBytes:    is.FileSizeBytes,
		TotalRecords:     is.TotalRecords,
		TableCounts:      is.TableCounts,
		SectionBytes:     is.SectionBytes,
		SecurityFeatures: s.config.Current(),
	}, nil
}

// Metadata returns the audit metadata rows.
func (s *Store) Metadata(ctx context.Context) ([]domain.SecurityMetadata, error) {
	return s.index.Metadata(ctx)
}

// indexErr classifies an index failure, keeping ErrStorageBusy visible.
func indexErr(op string, err error) error {
	if errors.Is(err, domain.ErrStorageBusy) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrStorage, op, err)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
