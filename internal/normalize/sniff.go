package normalize

import (
	"bytes"
	"strings"

	"github.com/snapetech/epgharvest/internal/catalog"
)

// Sniff decides a payload's kind from the first significant byte of the
// body, falling back to the Content-Type when the body is inconclusive.
func Sniff(contentType string, body []byte) catalog.PayloadKind {
	trimmed := bytes.TrimLeft(body, " \t\r\n\ufeff")
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '<':
			lower := bytes.ToLower(trimmed[:min(len(trimmed), 16)])
			if bytes.HasPrefix(lower, []byte("<!doctype html")) || bytes.HasPrefix(lower, []byte("<html")) {
				return catalog.KindUnknown
			}
			return catalog.KindXML
		case '{', '[':
			return catalog.KindJSON
		}
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return catalog.KindJSON
	case strings.Contains(ct, "xml"):
		return catalog.KindXML
	}
	return catalog.KindUnknown
}
