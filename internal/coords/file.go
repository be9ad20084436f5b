package coords

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Field names of the metadata file. Each entry is an object whose values are
// numbers or numeric strings; the short names are accepted too.
var metadataKeys = struct {
	name, rot, x, y, z []string
}{
	name: []string{"lineEditName", "name"},
	rot:  []string{"lineEditRot", "rot"},
	x:    []string{"lineEditOffsetX", "offset_x"},
	y:    []string{"lineEditOffsetY", "offset_y"},
	z:    []string{"lineEditOffsetZ", "offset_z"},
}

// LoadMetadata parses a reticle metadata list. Entries with duplicate labels,
// empty fields or non-numeric values are rejected.
func LoadMetadata(r io.Reader) (*Snapshot, error) {
	var raw []map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode reticle metadata: %w", err)
	}
	entries := make([]ReticleMetadata, 0, len(raw))
	for i, rec := range raw {
		m, err := parseRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("reticle metadata entry %d: %w", i, err)
		}
		entries = append(entries, m)
	}
	return NewSnapshot(entries)
}

// LoadMetadataFile reads a reticle metadata file.
func LoadMetadataFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadMetadata(f)
}

// SaveMetadata writes snap in the file format read by LoadMetadata.
func SaveMetadata(w io.Writer, snap *Snapshot) error {
	out := make([]map[string]string, 0, snap.Len())
	for _, m := range snap.Entries() {
		out = append(out, map[string]string{
			metadataKeys.name[0]: m.Label,
			metadataKeys.rot[0]:  formatFloat(m.Rotation),
			metadataKeys.x[0]:    formatFloat(m.Offset.X),
			metadataKeys.y[0]:    formatFloat(m.Offset.Y),
			metadataKeys.z[0]:    formatFloat(m.Offset.Z),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(out)
}

func parseRecord(rec map[string]json.RawMessage) (ReticleMetadata, error) {
	name, err := field(rec, metadataKeys.name)
	if err != nil {
		return ReticleMetadata{}, err
	}
	var vals [4]float64
	for i, keys := range [][]string{metadataKeys.rot, metadataKeys.x, metadataKeys.y, metadataKeys.z} {
		s, err := field(rec, keys)
		if err != nil {
			return ReticleMetadata{}, err
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return ReticleMetadata{}, fmt.Errorf("%s: %q is not a number: %w", keys[0], s, ErrInvalidMetadata)
		}
		vals[i] = v
	}
	m := ReticleMetadata{
		Label:    name,
		Rotation: vals[0],
		Offset:   r3.Vector{X: vals[1], Y: vals[2], Z: vals[3]},
	}
	return m, m.Validate()
}

// field returns the first present key as a trimmed string.
func field(rec map[string]json.RawMessage, keys []string) (string, error) {
	for _, k := range keys {
		raw, ok := rec[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			var n json.Number
			if err := json.Unmarshal(raw, &n); err != nil {
				return "", fmt.Errorf("%s: %w", k, ErrInvalidMetadata)
			}
			s = n.String()
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("%s is empty: %w", k, ErrInvalidMetadata)
		}
		return s, nil
	}
	return "", fmt.Errorf("missing %s: %w", keys[0], ErrInvalidMetadata)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
