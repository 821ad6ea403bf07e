package xmltv

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// rawNode round-trips an element without interpreting its children.
type rawNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Inner   []byte     `xml:",innerxml"`
}

func attr(attrs []xml.Attr, name string) string {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// FilterStats counts what Filter copied.
type FilterStats struct {
	Channels   int
	Programmes int
	Dropped    int
}

// Filter streams an XMLTV document from src to dst, keeping only channel and
// programme elements whose channel id is in keep. Other children of the root
// are copied unchanged.
func Filter(dst io.Writer, src io.Reader, keep map[string]bool) (FilterStats, error) {
	var st FilterStats
	dec := xml.NewDecoder(src)
	dec.CharsetReader = charset.NewReaderLabel
	enc := xml.NewEncoder(dst)
	enc.Indent("", "  ")
	if _, err := io.WriteString(dst, xml.Header+doctype); err != nil {
		return st, err
	}

	var root *xml.StartElement
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("xmltv filter: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root == nil {
				if t.Name.Local != "tv" {
					return st, fmt.Errorf("xmltv filter: root element is <%s>, want <tv>", t.Name.Local)
				}
				r := t.Copy()
				r.Name.Space = ""
				r.Attr = plainAttrs(r.Attr)
				root = &r
				if err := enc.EncodeToken(r); err != nil {
					return st, err
				}
				continue
			}
			var n rawNode
			if err := dec.DecodeElement(&n, &t); err != nil {
				return st, fmt.Errorf("xmltv filter: %w", err)
			}
			n.XMLName.Space = ""
			n.Attrs = plainAttrs(n.Attrs)
			switch n.XMLName.Local {
			case "channel":
				if !keep[strings.TrimSpace(attr(n.Attrs, "id"))] {
					st.Dropped++
					continue
				}
				st.Channels++
			case "programme":
				if !keep[strings.TrimSpace(attr(n.Attrs, "channel"))] {
					st.Dropped++
					continue
				}
				st.Programmes++
			}
			if err := enc.Encode(n); err != nil {
				return st, err
			}
		case xml.EndElement:
			if root != nil && t.Name.Local == "tv" {
				if err := enc.EncodeToken(xml.EndElement{Name: root.Name}); err != nil {
					return st, err
				}
				if err := enc.Flush(); err != nil {
					return st, err
				}
				_, err := io.WriteString(dst, "\n")
				return st, err
			}
		}
	}
	if root == nil {
		return st, errors.New("xmltv filter: no <tv> element")
	}
	return st, errors.New("xmltv filter: document ends before </tv>")
}

// plainAttrs drops namespace declarations and prefixes, which the encoder
// would otherwise rewrite.
func plainAttrs(in []xml.Attr) []xml.Attr {
	out := in[:0:0]
	for _, a := range in {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		out = append(out, xml.Attr{Name: xml.Name{Local: a.Name.Local}, Value: a.Value})
	}
	return out
}
