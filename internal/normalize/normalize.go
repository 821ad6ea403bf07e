// Package normalize turns raw guide payloads, XML or JSON in any of the
// shapes the backend has been seen to return, into canonical programme
// records. It is pure: no I/O, no logging, and malformed input yields an
// empty result rather than an error.
package normalize

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/go-openapi/jsonpointer"
	"golang.org/x/text/unicode/norm"

	"github.com/snapetech/epgharvest/internal/catalog"
)

// Normalizer converts payloads. The zero value matches XML elements by local
// name in any namespace.
type Normalizer struct {
	// Namespace, when set, restricts XML matches to elements in this
	// namespace or in no namespace.
	Namespace string
}

// Normalize converts p with the zero Normalizer.
func Normalize(p catalog.RawPayload) []catalog.Programme {
	return Normalizer{}.Normalize(p)
}

// ItemCount counts the raw items in p with the zero Normalizer.
func ItemCount(p catalog.RawPayload) int {
	return Normalizer{}.ItemCount(p)
}

// Normalize returns the valid records in p, in payload order. Records whose
// start is not before their end are dropped individually.
func (n Normalizer) Normalize(p catalog.RawPayload) []catalog.Programme {
	var recs []catalog.Programme
	switch p.Kind {
	case catalog.KindXML:
		recs = n.fromXML(p.Body)
	case catalog.KindJSON:
		recs = fromJSON(p.Body)
	default:
		return nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.Valid() {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ItemCount returns how many items the payload carries before validation.
// Pagination compares it with the page size.
func (n Normalizer) ItemCount(p catalog.RawPayload) int {
	switch p.Kind {
	case catalog.KindXML:
		return len(n.xmlItems(p.Body))
	case catalog.KindJSON:
		return len(jsonItems(p.Body))
	}
	return 0
}

// ─── XML ────────────────────────────────────────────────────────────────────

func (n Normalizer) xmlItems(body []byte) []*node {
	root, err := parseTree(body)
	if err != nil {
		return nil
	}
	for _, name := range xmlItemNames {
		if items := root.collect(name, n.Namespace); len(items) > 0 {
			return items
		}
	}
	return nil
}

func (n Normalizer) fromXML(body []byte) []catalog.Programme {
	items := n.xmlItems(body)
	if len(items) == 0 {
		return nil
	}
	ns := n.Namespace
	p := xmlPaths
	out := make([]catalog.Programme, 0, len(items))
	for _, it := range items {
		start, _ := parseTime(it.first(ns, p.start...))
		end, ok := parseTime(it.first(ns, p.end...))
		if !ok {
			end = endFromRunTime(start, it.first(ns, p.runTime...))
		}
		out = append(out, catalog.Programme{
			Title:       clean(it.first(ns, p.title...)),
			Description: clean(it.first(ns, p.desc...)),
			Start:       start,
			End:         end,
			CallSign:    clean(it.first(ns, p.callSign...)),
			Number:      clean(it.first(ns, p.number...)),
			Logo:        strings.TrimSpace(it.first(ns, p.logo...)),
			Genres:      cleanAll(it.all(ns, p.genres...)),
			Rating:      clean(it.first(ns, p.rating...)),
			Image:       strings.TrimSpace(it.first(ns, p.image...)),
		})
	}
	return out
}

// ─── JSON ───────────────────────────────────────────────────────────────────

var jsonPointers = map[string]*jsonpointer.Pointer{}

func init() {
	p := jsonPaths
	for _, group := range [][]string{p.start, p.end, p.runTime, p.title, p.desc, p.callSign, p.number, p.logo, p.genres, p.rating, p.image} {
		for _, path := range group {
			ptr, err := jsonpointer.New(path)
			if err != nil {
				panic("normalize: bad json pointer " + path + ": " + err.Error())
			}
			jsonPointers[path] = &ptr
		}
	}
}

func decodeJSON(body []byte) (any, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	return doc, true
}

// jsonItems locates the item list: the first of jsonListKeys present on a
// top-level object, or a top-level array (an array of arrays is flattened).
func jsonItems(body []byte) []map[string]any {
	doc, ok := decodeJSON(body)
	if !ok {
		return nil
	}
	var list []any
	switch v := doc.(type) {
	case map[string]any:
		for _, key := range jsonListKeys {
			val, present := v[key]
			if !present {
				continue
			}
			list = listFrom(val)
			break
		}
	case []any:
		for _, el := range v {
			if inner, ok := el.([]any); ok {
				list = append(list, inner...)
			} else {
				list = append(list, el)
			}
		}
	}
	out := make([]map[string]any, 0, len(list))
	for _, el := range list {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func listFrom(val any) []any {
	switch v := val.(type) {
	case []any:
		return v
	case map[string]any:
		for _, k := range jsonInnerListKeys {
			if inner, ok := v[k].([]any); ok {
				return inner
			}
		}
		return []any{v}
	}
	return nil
}

func fromJSON(body []byte) []catalog.Programme {
	items := jsonItems(body)
	if len(items) == 0 {
		return nil
	}
	p := jsonPaths
	out := make([]catalog.Programme, 0, len(items))
	for _, it := range items {
		start, _ := timeValue(jsonFirst(it, p.start))
		end, ok := timeValue(jsonFirst(it, p.end))
		if !ok {
			end = endFromRunTime(start, stringValue(jsonFirst(it, p.runTime)))
		}
		out = append(out, catalog.Programme{
			Title:       clean(stringValue(jsonFirst(it, p.title))),
			Description: clean(stringValue(jsonFirst(it, p.desc))),
			Start:       start,
			End:         end,
			CallSign:    clean(stringValue(jsonFirst(it, p.callSign))),
			Number:      clean(stringValue(jsonFirst(it, p.number))),
			Logo:        strings.TrimSpace(stringValue(jsonFirst(it, p.logo))),
			Genres:      cleanAll(stringsValue(jsonFirst(it, p.genres))),
			Rating:      clean(stringValue(jsonFirst(it, p.rating))),
			Image:       strings.TrimSpace(stringValue(jsonFirst(it, p.image))),
		})
	}
	return out
}

// jsonFirst returns the first non-empty value among paths.
func jsonFirst(item map[string]any, paths []string) any {
	for _, path := range paths {
		v, _, err := jsonPointers[path].Get(item)
		if err != nil || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		return v
	}
	return nil
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any:
		for _, k := range []string{"name", "value", "url", "title"} {
			if s := stringValue(x[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringsValue(v any) []string {
	switch x := v.(type) {
	case []any:
		out := make([]string, 0, len(x))
		for _, el := range x {
			if s := stringValue(el); s != "" {
				out = append(out, s)
			}
		}
		return out
	case nil:
		return nil
	default:
		if s := stringValue(x); s != "" {
			return []string{s}
		}
	}
	return nil
}

func timeValue(v any) (int64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return epochMillis(n), n > 0
		}
		if f, err := x.Float64(); err == nil {
			return epochMillis(int64(f)), f > 0
		}
	case float64:
		return epochMillis(int64(x)), x > 0
	case string:
		return parseTime(x)
	}
	return 0, false
}

// ─── values ─────────────────────────────────────────────────────────────────

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"20060102150405 -0700",
	"20060102150405",
}

// parseTime accepts epoch seconds or milliseconds and the layouts above.
// Layouts without a zone are read as UTC.
func parseTime(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if len(s) == 14 {
		if t, err := time.Parse("20060102150405", s); err == nil {
			return t.UnixMilli(), true
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return 0, false
		}
		return epochMillis(n), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// epochMillis treats values below 1e11 as seconds.
func epochMillis(n int64) int64 {
	if n > 0 && n < 1e11 {
		return n * 1000
	}
	return n
}

// endFromRunTime derives an end from a run time in minutes.
func endFromRunTime(start int64, runTime string) int64 {
	if start <= 0 {
		return 0
	}
	mins, err := strconv.ParseFloat(strings.TrimSpace(runTime), 64)
	if err != nil || mins <= 0 {
		return 0
	}
	return start + int64(mins*float64(time.Minute/time.Millisecond))
}

func clean(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

func cleanAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if c := clean(s); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
