// Package xmltv assembles normalized programme records into an XMLTV
// document and writes it.
package xmltv

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/snapetech/epgharvest/internal/catalog"
)

// TimeLayout is the XMLTV timestamp format.
const TimeLayout = "20060102150405 -0700"

const doctype = `<!DOCTYPE tv SYSTEM "xmltv.dtd">` + "\n"

// TV is the document root.
type TV struct {
	XMLName      xml.Name    `xml:"tv"`
	Generator    string      `xml:"generator-info-name,attr,omitempty"`
	GeneratorURL string      `xml:"generator-info-url,attr,omitempty"`
	Channels     []Channel   `xml:"channel"`
	Programmes   []Programme `xml:"programme"`
}

type Channel struct {
	ID           string  `xml:"id,attr"`
	DisplayNames []Value `xml:"display-name"`
	Icon         *Icon   `xml:"icon,omitempty"`
}

type Programme struct {
	Start      string  `xml:"start,attr"`
	Stop       string  `xml:"stop,attr"`
	Channel    string  `xml:"channel,attr"`
	Title      Value   `xml:"title"`
	Desc       *Value  `xml:"desc,omitempty"`
	Categories []Value `xml:"category"`
	Icon       *Icon   `xml:"icon,omitempty"`
	Rating     *Rating `xml:"rating,omitempty"`
}

type Value struct {
	Lang string `xml:"lang,attr,omitempty"`
	Text string `xml:",chardata"`
}

type Icon struct {
	Src string `xml:"src,attr"`
}

type Rating struct {
	Value string `xml:"value"`
}

// OffsetHours converts a fractional hour offset such as -6 or 5.5 to a duration.
func OffsetHours(h float64) time.Duration {
	return time.Duration(math.Round(h * float64(time.Hour)))
}

// FormatTime renders epoch milliseconds in the zone at offset.
func FormatTime(ms int64, offset time.Duration) string {
	zone := time.FixedZone("", int(offset/time.Second))
	return time.UnixMilli(ms).In(zone).Format(TimeLayout)
}

// ─── Assembly ────────────────────────────────────────────────────────────────

// Assembler turns a catalog into a document.
type Assembler struct {
	// Offset is the fixed UTC offset timestamps are written in.
	Offset time.Duration
	Now    func() time.Time

	Generator    string
	GeneratorURL string
	// Lang tags titles, descriptions and categories. Empty omits the attribute.
	Lang string
	// Untitled replaces a missing title. Default "Untitled".
	Untitled string
	// StaleAfter drops programmes that started longer ago than this. Default 1h.
	StaleAfter time.Duration
}

// Stats reports what Assemble kept and dropped.
type Stats struct {
	Channels   int
	Programmes int
	Stale      int
	Duplicates int
}

// Assemble builds the document. Every channel with at least one record gets a
// channel element described by its first record, even if all of its
// programmes turn out to be stale.
func (a *Assembler) Assemble(c *catalog.Catalog) (*TV, Stats) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	untitled := a.Untitled
	if untitled == "" {
		untitled = "Untitled"
	}
	stale := a.StaleAfter
	if stale <= 0 {
		stale = time.Hour
	}
	cutoff := now().Add(-stale).UnixMilli()

	tv := &TV{Generator: a.Generator, GeneratorURL: a.GeneratorURL}
	var st Stats
	for _, id := range c.Channels() {
		recs := c.Records(id)
		if len(recs) == 0 {
			continue
		}
		tv.Channels = append(tv.Channels, channelElement(catalog.EntryFromProgramme(id, recs[0])))
		st.Channels++

		sort.SliceStable(recs, func(i, j int) bool { return recs[i].Start < recs[j].Start })
		type key struct {
			start, end int64
			title      string
		}
		seen := make(map[key]bool, len(recs))
		for _, r := range recs {
			if r.Start < cutoff {
				st.Stale++
				continue
			}
			k := key{r.Start, r.End, r.Title}
			if seen[k] {
				st.Duplicates++
				continue
			}
			seen[k] = true
			tv.Programmes = append(tv.Programmes, a.programme(id, r, untitled))
			st.Programmes++
		}
	}
	return tv, st
}

func channelElement(e catalog.ChannelEntry) Channel {
	ch := Channel{ID: e.ID, DisplayNames: []Value{{Text: e.CallSign}}}
	if e.Number != "" && e.Number != e.CallSign {
		ch.DisplayNames = append(ch.DisplayNames, Value{Text: e.Number})
	}
	if e.Logo != "" {
		ch.Icon = &Icon{Src: e.Logo}
	}
	return ch
}

func (a *Assembler) programme(channelID string, r catalog.Programme, untitled string) Programme {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		title = untitled
	}
	p := Programme{
		Start:   FormatTime(r.Start, a.Offset),
		Stop:    FormatTime(r.End, a.Offset),
		Channel: channelID,
		Title:   Value{Lang: a.Lang, Text: title},
	}
	if d := strings.TrimSpace(r.Description); d != "" {
		p.Desc = &Value{Lang: a.Lang, Text: d}
	}
	for _, g := range r.Genres {
		if g = strings.TrimSpace(g); g != "" {
			p.Categories = append(p.Categories, Value{Lang: a.Lang, Text: g})
		}
	}
	if r.Image != "" {
		p.Icon = &Icon{Src: r.Image}
	}
	if r.Rating != "" {
		p.Rating = &Rating{Value: r.Rating}
	}
	return p
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Encode writes the complete document to w.
func Encode(w io.Writer, tv *TV) error {
	if _, err := io.WriteString(w, xml.Header+doctype); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(tv); err != nil {
		return fmt.Errorf("xmltv encode: %w", err)
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Write renders tv in memory and replaces path atomically, so readers see
// either the previous guide or the complete new one.
func Write(path string, tv *TV) error {
	var buf bytes.Buffer
	if err := Encode(&buf, tv); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("xmltv write %s: %w", path, err)
	}
	return nil
}
