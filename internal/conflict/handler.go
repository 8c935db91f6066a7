package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/syncline/internal/datastore"
	"github.com/roach88/syncline/internal/detect"
	"github.com/roach88/syncline/internal/queryir"
	"github.com/roach88/syncline/internal/transform"
	"github.com/roach88/syncline/internal/value"
)

// HistoryLimit bounds the resolution history ring.
const HistoryLimit = 1000

// shortString is the longest string merged by concatenation.
const shortString = 100

// timestampColumns are checked in order to date a row for last_updated_wins.
var timestampColumns = []string{"updated_at", "last_updated", "last_modified", "modified_at"}

// Entry is one history record.
type Entry struct {
	Conflict   *Conflict
	Resolution Resolution
	At         time.Time
}

// Handler detects and resolves conflicts. Safe for concurrent use.
type Handler struct {
	policy Policy
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	history []Entry
	next    int
	full    bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithNow sets the clock stamping conflicts.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// New creates a Handler.
func New(policy Policy, opts ...Option) *Handler {
	h := &Handler{
		policy:  policy,
		now:     time.Now,
		logger:  slog.Default(),
		history: make([]Entry, 0, 16),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy returns the configured policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// Detect compares an update with the current target row. It returns nil
// when the record is not an update, the row does not exist, or nothing
// diverges.
func (h *Handler) Detect(ctx context.Context, q datastore.Querier, rec transform.Record) (*Conflict, error) {
	if rec.Operation != detect.Update {
		return nil, nil
	}
	key := rec.TargetKey
	if key == "" {
		key = transform.DefaultTargetKey
	}
	rows, err := q.Query(ctx, queryir.Select{
		Table:  rec.TargetTable,
		Filter: queryir.Eq(key, "target_id"),
		Limit:  1,
	}, datastore.Params{"target_id": value.String(rec.TargetID)})
	if err != nil {
		return nil, fmt.Errorf("read target row %s/%s: %w", rec.TargetTable, rec.TargetID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return h.Compare(rec, rows[0]), nil
}

// Compare diffs a record against a target row. Fields missing or null on
// the target side never conflict, nor does the key column.
func (h *Handler) Compare(rec transform.Record, target *value.Map) *Conflict {
	var fields []FieldConflict
	for _, leaf := range value.Leaves(rec.Payload) {
		if leaf.Key == rec.TargetKey {
			continue
		}
		tv, ok := value.GetPath(target, leaf.Key)
		if !ok || value.IsNull(tv) {
			continue
		}
		if !differs(leaf.Key, leaf.Value, tv) {
			continue
		}
		fields = append(fields, FieldConflict{
			Field:       leaf.Key,
			SourceValue: leaf.Value,
			TargetValue: tv,
			Strategy:    h.policy.For(rec.TargetTable, leaf.Key),
			Severity:    severity(leaf.Key, leaf.Value, tv),
		})
	}
	if len(fields) == 0 {
		return nil
	}
	c := &Conflict{
		Table:      rec.TargetTable,
		SourceID:   rec.SourceID,
		TargetID:   rec.TargetID,
		Fields:     fields,
		Strategy:   h.policy.TableDefault(rec.TargetTable),
		CreatedAt:  h.now(),
		Source:     rec.Payload.Clone(),
		Target:     target.Clone(),
		SourceTime: sourceTime(rec),
	}
	h.logger.Debug("conflict detected",
		"table", c.Table, "record_id", c.SourceID,
		"fields", len(fields), "severity", string(c.MaxSeverity()))
	return c
}

// Resolve applies each field's strategy and records the outcome in the
// history ring.
func (h *Handler) Resolve(c *Conflict) Resolution {
	res := Resolution{
		Conflict: c,
		Payload:  c.Source.Clone(),
		Applied:  make(map[string]Strategy, len(c.Fields)),
	}
	for _, f := range c.Fields {
		var v value.Value
		switch f.Strategy {
		case TargetWins:
			v = value.Clone(f.TargetValue)
		case LastUpdatedWins:
			if targetIsNewer(c) {
				v = value.Clone(f.TargetValue)
			} else {
				v = value.Clone(f.SourceValue)
			}
		case Merge:
			v = MergeValues(f.SourceValue, f.TargetValue)
		case Manual:
			v = ManualSentinel
			res.Unresolved = append(res.Unresolved, f.Field)
		default:
			v = value.Clone(f.SourceValue)
		}
		value.SetPath(res.Payload, f.Field, v)
		if f.Strategy != Manual {
			res.Applied[f.Field] = f.Strategy
		}
	}
	h.remember(Entry{Conflict: c, Resolution: res, At: h.now()})
	return res
}

func (h *Handler) remember(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) < HistoryLimit {
		h.history = append(h.history, e)
		return
	}
	h.history[h.next] = e
	h.next = (h.next + 1) % HistoryLimit
	h.full = true
}

// History returns resolutions oldest first.
func (h *Handler) History() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Entry(nil), h.history...)
	}
	out := make([]Entry, 0, HistoryLimit)
	out = append(out, h.history[h.next:]...)
	return append(out, h.history[:h.next]...)
}

func sourceTime(rec transform.Record) time.Time {
	if t, ok := rowTime(rec.Payload); ok {
		return t
	}
	return rec.Metadata.SourceTimestamp
}

func rowTime(row *value.Map) (time.Time, bool) {
	for _, col := range timestampColumns {
		if v, ok := row.Get(col); ok {
			if t, ok := value.AsTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// targetIsNewer reports whether the target row carries a later timestamp
// than the source. Unknown timestamps favour the source.
func targetIsNewer(c *Conflict) bool {
	tt, ok := rowTime(c.Target)
	if !ok || c.SourceTime.IsZero() {
		return false
	}
	return tt.After(c.SourceTime)
}

// MergeValues combines two diverging values: numbers average, maps overlay
// source onto target, lists union, short strings join with " | ", long
// strings keep the longer. Anything else keeps the source.
func MergeValues(source, target value.Value) value.Value {
	if numeric(source) && numeric(target) {
		x, _ := value.AsFloat(source)
		y, _ := value.AsFloat(target)
		mean := (x + y) / 2
		_, si := source.(value.Int)
		_, ti := target.(value.Int)
		if si && ti && mean == float64(int64(mean)) {
			return value.Int(int64(mean))
		}
		return value.Float(mean)
	}
	switch s := source.(type) {
	case *value.Map:
		t, ok := target.(*value.Map)
		if !ok {
			break
		}
		out := t.Clone()
		s.Range(func(k string, v value.Value) bool {
			out.Set(k, value.Clone(v))
			return true
		})
		return out
	case value.List:
		t, ok := target.(value.List)
		if !ok {
			break
		}
		out := make(value.List, 0, len(t)+len(s))
		add := func(v value.Value) {
			for _, e := range out {
				if value.Equal(e, v) {
					return
				}
			}
			out = append(out, value.Clone(v))
		}
		for _, v := range t {
			add(v)
		}
		for _, v := range s {
			add(v)
		}
		return out
	case value.String:
		t, ok := target.(value.String)
		if !ok {
			break
		}
		if len(s) <= shortString && len(t) <= shortString {
			return value.String(string(s) + " | " + string(t))
		}
		if len(t) > len(s) {
			return t
		}
		return s
	}
	return value.Clone(source)
}
