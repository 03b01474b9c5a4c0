// Package fixtures loads expected router-state documents and compares them
// against observed show-command output.
//
// Fixtures are partial documents: they carry only the stable keys of the
// daemon's JSON output, omitting timers, counters and other dynamic fields.
// Comparison is therefore a subset match of the fixture against the observed
// document rather than a full structural equality.
package fixtures

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Wildcard in a fixture matches any present value.
const Wildcard = "*"

// Load reads a JSON fixture document from path.
func Load(path string) (map[string]any, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fixture %s: %w", path, err)
	}
	return doc, nil
}

// JoinStatePath returns the stored expected pim-join document for one router
// and ACL entry, e.g. fixtures/r11/acl_3_pim_join.json.
func JoinStatePath(dir, router string, entry int) string {
	return filepath.Join(dir, router, fmt.Sprintf("acl_%d_pim_join.json", entry))
}

// NeighborPath returns the stored expected neighbor document for one router
// and daemon, e.g. fixtures/r1/ospf_neighbor.json.
func NeighborPath(dir, router, daemon string) string {
	return filepath.Join(dir, router, daemon+"_neighbor.json")
}

// Match reports whether got satisfies the partial document want.
//
// Rules, per value kind in want:
//   - object: every key must exist in got and match recursively; extra keys
//     in got are ignored
//   - array: element i of want must match element i of got; got may carry
//     extra trailing elements
//   - the string "*": matches any present value
//   - null: asserts the key is absent from got (checked at the object level)
//   - anything else: exact equality
func Match(got, want any) bool {
	return match(got, want) == ""
}

// Explain returns a description of the first rule violated by got against
// want, or the empty string when got matches.
func Explain(got, want any) string {
	return match(got, want)
}

func match(got, want any) string {
	switch want := want.(type) {
	case map[string]any:
		gotMap, ok := got.(map[string]any)
		if !ok {
			return fmt.Sprintf("expected object, got %T", got)
		}
		for key, wantVal := range want {
			gotVal, present := gotMap[key]
			if wantVal == nil {
				if present {
					return fmt.Sprintf("key %q must be absent", key)
				}
				continue
			}
			if !present {
				return fmt.Sprintf("key %q is missing", key)
			}
			if m := match(gotVal, wantVal); m != "" {
				return fmt.Sprintf("%s: %s", key, m)
			}
		}
		return ""
	case []any:
		gotList, ok := got.([]any)
		if !ok {
			return fmt.Sprintf("expected array, got %T", got)
		}
		if len(gotList) < len(want) {
			return fmt.Sprintf("expected at least %d elements, got %d", len(want), len(gotList))
		}
		for i, wantVal := range want {
			if m := match(gotList[i], wantVal); m != "" {
				return fmt.Sprintf("[%d]: %s", i, m)
			}
		}
		return ""
	case string:
		if want == Wildcard {
			return ""
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return strings.TrimSpace(diff)
	}
	return ""
}

// Diff renders a unified diff between the expected and observed documents for
// failure reports. The observed side is pretty-printed in full so the engineer
// sees the dynamic fields the fixture omits.
func Diff(got, want any) string {
	wantJSON := mustMarshal(want)
	gotJSON := mustMarshal(got)
	edits := myers.ComputeEdits(span.URIFromPath("expected"), wantJSON, gotJSON)
	return fmt.Sprint(gotextdiff.ToUnified("expected", "observed", wantJSON, edits))
}

func mustMarshal(doc any) string {
	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", doc)
	}
	return string(buf) + "\n"
}
