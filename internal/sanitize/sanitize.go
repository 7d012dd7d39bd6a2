// Package sanitize reconstructs provider output into bounded,
// serialization-safe component results. Reconstruction is allowlist-based:
// only known scalar fields survive, everything else is dropped. The output
// contains no reference cycles and no non-primitive leaf values even when the
// input is adversarial.
package sanitize

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/raysh454/kansa/internal/model"
	"github.com/raysh454/kansa/internal/scanner"
)

// Bounds applied during reconstruction.
const (
	MaxFindings     = 100
	MaxDetails      = 200
	MaxMetadataKeys = 50
	MaxReferences   = 10
	MaxTitleLen     = 256
	MaxStringLen    = 2048
	maxRawDepth     = 4
)

// Component rebuilds one provider result into a safe ComponentResult. If
// reconstruction itself fails, the component is replaced by a minimal error
// placeholder instead of failing the whole job.
func Component(raw scanner.Result) (out model.ComponentResult) {
	defer func() {
		if r := recover(); r != nil {
			out = model.ComponentResult{
				Score: 0,
				Error: fmt.Sprintf("sanitization failed: %v", r),
			}
		}
	}()

	out = model.ComponentResult{
		Score:    clampScore(raw.Score),
		Findings: sanitizeFindings(raw.Findings),
	}

	if len(raw.Details) > 0 {
		n := len(raw.Details)
		if n > MaxDetails {
			n = MaxDetails
		}
		out.Details = make([]model.DetailEntry, 0, n)
		for _, d := range raw.Details[:n] {
			out.Details = append(out.Details, model.DetailEntry{
				Port:        d.Port,
				Service:     truncate(d.Service, MaxTitleLen),
				State:       truncate(d.State, MaxTitleLen),
				Address:     truncate(d.Address, MaxTitleLen),
				Grade:       truncate(d.Grade, MaxTitleLen),
				HasWarnings: d.HasWarnings,
			})
		}
	}

	meta := sanitizeMetadata(raw.Metadata)
	if raw.Raw != nil {
		if meta == nil {
			meta = make(map[string]string)
		}
		meta["raw"] = renderBounded(reflect.ValueOf(raw.Raw), 0, map[uintptr]bool{})
	}
	if len(meta) > 0 {
		out.Metadata = meta
	}

	return out
}

func sanitizeFindings(in []model.Finding) []model.Finding {
	n := len(in)
	if n > MaxFindings {
		n = MaxFindings
	}
	out := make([]model.Finding, 0, n)
	for _, f := range in[:n] {
		sev := f.Severity
		rawSev := f.RawSeverity
		switch sev {
		case model.SeverityCritical, model.SeverityHigh, model.SeverityMedium,
			model.SeverityLow, model.SeverityInfo:
		default:
			// Providers are supposed to canonicalize, but the sanitizer
			// does not trust them.
			if rawSev == "" {
				rawSev = string(sev)
			}
			sev, _ = model.ParseSeverity(string(sev))
		}
		clean := model.Finding{
			Title:          truncate(f.Title, MaxTitleLen),
			Description:    truncate(f.Description, MaxStringLen),
			Severity:       sev,
			RawSeverity:    truncate(rawSev, MaxTitleLen),
			Location:       truncate(f.Location, MaxStringLen),
			Evidence:       truncate(f.Evidence, MaxStringLen),
			Recommendation: truncate(f.Recommendation, MaxStringLen),
			WeaknessID:     truncate(f.WeaknessID, MaxTitleLen),
		}
		if len(f.References) > 0 {
			rn := len(f.References)
			if rn > MaxReferences {
				rn = MaxReferences
			}
			clean.References = make([]string, 0, rn)
			for _, r := range f.References[:rn] {
				clean.References = append(clean.References, truncate(r, MaxStringLen))
			}
		}
		out = append(out, clean)
	}
	return out
}

func sanitizeMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > MaxMetadataKeys {
		keys = keys[:MaxMetadataKeys]
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		s := renderBounded(reflect.ValueOf(in[k]), 0, map[uintptr]bool{})
		if s == "" {
			continue
		}
		out[truncate(k, MaxTitleLen)] = s
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// renderBounded flattens an arbitrary value into a bounded string. Pointers,
// maps and slices are tracked in visited so self-references terminate;
// functions, channels and unsafe pointers are dropped outright.
func renderBounded(v reflect.Value, depth int, visited map[uintptr]bool) string {
	if !v.IsValid() {
		return ""
	}
	if depth > maxRawDepth {
		return "…"
	}

	switch v.Kind() {
	case reflect.String:
		return truncate(v.String(), MaxStringLen)
	case reflect.Bool:
		return strconv.FormatBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(v.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(v.Uint(), 10)
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case reflect.Interface:
		if v.IsNil() {
			return ""
		}
		return renderBounded(v.Elem(), depth, visited)
	case reflect.Pointer:
		if v.IsNil() {
			return ""
		}
		addr := v.Pointer()
		if visited[addr] {
			return "<cycle>"
		}
		visited[addr] = true
		defer delete(visited, addr)
		return renderBounded(v.Elem(), depth+1, visited)
	case reflect.Slice:
		if v.IsNil() {
			return ""
		}
		addr := v.Pointer()
		if visited[addr] {
			return "<cycle>"
		}
		visited[addr] = true
		defer delete(visited, addr)
		return renderList(v, depth, visited)
	case reflect.Array:
		return renderList(v, depth, visited)
	case reflect.Map:
		if v.IsNil() {
			return ""
		}
		addr := v.Pointer()
		if visited[addr] {
			return "<cycle>"
		}
		visited[addr] = true
		defer delete(visited, addr)
		return renderMap(v, depth, visited)
	case reflect.Struct:
		return renderStruct(v, depth, visited)
	default:
		// func, chan, unsafe pointer: not serializable, drop.
		return ""
	}
}

func renderList(v reflect.Value, depth int, visited map[uintptr]bool) string {
	var sb strings.Builder
	sb.WriteByte('[')
	n := v.Len()
	if n > 20 {
		n = 20
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(renderBounded(v.Index(i), depth+1, visited))
		if sb.Len() > MaxStringLen {
			break
		}
	}
	sb.WriteByte(']')
	return truncate(sb.String(), MaxStringLen)
}

func renderMap(v reflect.Value, depth int, visited map[uintptr]bool) string {
	keys := make([]string, 0, v.Len())
	byKey := make(map[string]reflect.Value, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k := renderBounded(iter.Key(), depth+1, visited)
		keys = append(keys, k)
		byKey[k] = iter.Value()
	}
	sort.Strings(keys)
	if len(keys) > 20 {
		keys = keys[:20]
	}

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(renderBounded(byKey[k], depth+1, visited))
		if sb.Len() > MaxStringLen {
			break
		}
	}
	sb.WriteByte('}')
	return truncate(sb.String(), MaxStringLen)
}

func renderStruct(v reflect.Value, depth int, visited map[uintptr]bool) string {
	t := v.Type()
	var sb strings.Builder
	sb.WriteByte('{')
	wrote := false
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		s := renderBounded(v.Field(i), depth+1, visited)
		if s == "" {
			continue
		}
		if wrote {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.Field(i).Name)
		sb.WriteByte(':')
		sb.WriteString(s)
		wrote = true
		if sb.Len() > MaxStringLen {
			break
		}
	}
	sb.WriteByte('}')
	return truncate(sb.String(), MaxStringLen)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
