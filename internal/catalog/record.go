package catalog

import "strings"

// Programme is one normalized guide entry, independent of the wire format it
// came from. Start and End are epoch milliseconds, UTC.
type Programme struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Start       int64    `json:"start"`
	End         int64    `json:"end"`
	CallSign    string   `json:"call_sign,omitempty"`
	Number      string   `json:"number,omitempty"`
	Logo        string   `json:"logo,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Rating      string   `json:"rating,omitempty"`
	Image       string   `json:"image,omitempty"`
}

// Duration returns End-Start in milliseconds.
func (p Programme) Duration() int64 { return p.End - p.Start }

// Valid reports whether the programme has a usable time window.
func (p Programme) Valid() bool { return p.Start > 0 && p.End > p.Start }

// ChannelEntry is the guide-level description of a channel.
type ChannelEntry struct {
	ID       string `json:"id"`
	CallSign string `json:"call_sign"`
	Number   string `json:"number,omitempty"`
	Logo     string `json:"logo,omitempty"`
}

// EntryFromProgramme derives the channel entry for id from one of its records.
// The call sign falls back to the channel id.
func EntryFromProgramme(id string, p Programme) ChannelEntry {
	cs := strings.TrimSpace(p.CallSign)
	if cs == "" {
		cs = id
	}
	return ChannelEntry{ID: id, CallSign: cs, Number: strings.TrimSpace(p.Number), Logo: strings.TrimSpace(p.Logo)}
}

// PayloadKind is the detected wire format of a raw response.
type PayloadKind int

const (
	KindUnknown PayloadKind = iota
	KindXML
	KindJSON
)

func (k PayloadKind) String() string {
	switch k {
	case KindXML:
		return "xml"
	case KindJSON:
		return "json"
	default:
		return "unknown"
	}
}

// Ext is the file extension used when persisting a payload of this kind.
func (k PayloadKind) Ext() string {
	switch k {
	case KindXML:
		return "xml"
	case KindJSON:
		return "json"
	default:
		return "txt"
	}
}

// Alternate returns the other structured kind (xml <-> json). Unknown maps to xml.
func (k PayloadKind) Alternate() PayloadKind {
	if k == KindXML {
		return KindJSON
	}
	return KindXML
}

// ParseKind maps "xml" / "json" to a kind.
func ParseKind(s string) PayloadKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xml":
		return KindXML
	case "json":
		return KindJSON
	default:
		return KindUnknown
	}
}

// RawPayload is one backend response exactly as received.
type RawPayload struct {
	ChannelID   string      `json:"channel_id"`
	Page        int         `json:"page"`
	Body        []byte      `json:"-"`
	Kind        PayloadKind `json:"kind"`
	Status      int         `json:"status"`
	ContentType string      `json:"content_type,omitempty"`
	Accept      string      `json:"accept,omitempty"`
	Via         string      `json:"via,omitempty"` // "http" or "browser"
	Failed      bool        `json:"failed,omitempty"`
	Err         string      `json:"error,omitempty"`
	Path        string      `json:"path,omitempty"` // where the body was persisted
}

// HardError reports whether the payload represents a transport failure or a
// non-success status, as opposed to a successful response that may be empty.
func (r RawPayload) HardError() bool {
	return r.Failed || r.Status < 200 || r.Status > 299
}

// ChannelQuery identifies one page of one channel's schedule over a time window.
type ChannelQuery struct {
	ChannelID  string
	LineupID   string
	FromMS     int64
	ToMS       int64
	Page       int
	PageSize   int
	SinglePage bool
}

// NextPage returns a copy of q pointing at the following page.
func (q ChannelQuery) NextPage() ChannelQuery {
	q.Page++
	return q
}
