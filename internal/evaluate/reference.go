// Package evaluate scores detected breaks against reference change
// records and produces confusion-matrix accuracy metrics.
package evaluate

import (
	"fmt"
	"os"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/banshee-data/landcover.report/internal/ccd"
)

// ReferenceChange is an external ground-truth record of a known
// land-change event (or an explicit no-change area). Read-only input.
type ReferenceChange struct {
	ID       string
	Geometry orb.Geometry
	Date0    time.Time
	Date1    time.Time // zero when the record has a single date
	NoChange bool
}

// EventDate is the temporal anchor for matching: the midpoint when two
// distinct dates are given, otherwise the first date.
func (r ReferenceChange) EventDate() time.Time {
	if r.Date1.IsZero() || r.Date1.Equal(r.Date0) {
		return r.Date0
	}
	half := r.Date1.Sub(r.Date0).Hours() / 24 / 2
	return r.Date0.AddDate(0, 0, int(half))
}

// MalformedReferenceRecord reports a reference feature that was skipped
// because its geometry or date fields are missing or invalid.
type MalformedReferenceRecord struct {
	Index  int
	Reason string
}

func (e *MalformedReferenceRecord) Error() string {
	return fmt.Sprintf("reference record %d skipped: %s", e.Index, e.Reason)
}

// LoadReferenceChanges reads a GeoJSON FeatureCollection of reference
// change records. Expected properties: data_0 (yyyymmdd, required unless
// no_change), optional data_1, optional no_change, optional id.
// Malformed records are skipped and logged; loading proceeds over the
// remainder. The skipped count is returned for the evaluation report.
func LoadReferenceChanges(path string, log *zap.SugaredLogger) ([]ReferenceChange, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read reference file %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse reference geojson %s: %w", path, err)
	}

	var refs []ReferenceChange
	skipped := 0
	for i, f := range fc.Features {
		ref, err := referenceFromFeature(i, f)
		if err != nil {
			log.Warnw("skipping malformed reference record", "index", i, "error", err)
			skipped++
			continue
		}
		refs = append(refs, ref)
	}
	return refs, skipped, nil
}

func referenceFromFeature(index int, f *geojson.Feature) (ReferenceChange, error) {
	if f.Geometry == nil {
		return ReferenceChange{}, &MalformedReferenceRecord{Index: index, Reason: "missing geometry"}
	}

	ref := ReferenceChange{Geometry: f.Geometry}
	if id, ok := f.Properties["id"]; ok {
		ref.ID = fmt.Sprintf("%v", id)
	} else {
		ref.ID = fmt.Sprintf("ref-%d", index)
	}

	if v, ok := f.Properties["no_change"]; ok {
		if b, ok := v.(bool); ok && b {
			ref.NoChange = true
		}
	}

	date0, ok, err := propCompactDate(f.Properties, "data_0")
	if err != nil {
		return ReferenceChange{}, &MalformedReferenceRecord{Index: index, Reason: err.Error()}
	}
	if !ok && !ref.NoChange {
		return ReferenceChange{}, &MalformedReferenceRecord{Index: index, Reason: "missing data_0"}
	}
	ref.Date0 = date0

	if date1, ok, err := propCompactDate(f.Properties, "data_1"); err != nil {
		return ReferenceChange{}, &MalformedReferenceRecord{Index: index, Reason: err.Error()}
	} else if ok {
		ref.Date1 = date1
	}

	return ref, nil
}

// propCompactDate reads a yyyymmdd date property that may arrive as a
// JSON number or string.
func propCompactDate(props geojson.Properties, key string) (time.Time, bool, error) {
	v, ok := props[key]
	if !ok || v == nil {
		return time.Time{}, false, nil
	}
	var compact int
	switch t := v.(type) {
	case float64:
		compact = int(t)
	case int:
		compact = t
	case string:
		if t == "" {
			return time.Time{}, false, nil
		}
		if _, err := fmt.Sscanf(t, "%d", &compact); err != nil {
			return time.Time{}, false, fmt.Errorf("invalid %s %q", key, t)
		}
	default:
		return time.Time{}, false, fmt.Errorf("invalid %s type %T", key, v)
	}
	date, err := ccd.ParseCompactDate(compact)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return date, true, nil
}
