package rawstore

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/snapetech/epgharvest/internal/catalog"
)

// Path returns where the seq-th response for channelID/page is stored.
// Names sort by channel, then page, then arrival.
func Path(dir, channelID string, page, seq int, kind catalog.PayloadKind) string {
	name := fmt.Sprintf("raw_%s_p%03d_%04d.%s", sanitizeID(channelID), page, seq, kind.Ext())
	return filepath.Join(dir, name)
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	s = strings.ReplaceAll(s, "..", "_")
	if s == "" {
		s = "unknown"
	}
	return s
}

// parseName recovers channel and page from a name produced by Path.
func parseName(name string) (channelID string, page int, ok bool) {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	if !strings.HasPrefix(base, "raw_") {
		return "", 0, false
	}
	base = strings.TrimPrefix(base, "raw_")
	// channel ids may contain underscores; page and seq are the last two fields
	i := strings.LastIndex(base, "_p")
	if i <= 0 {
		return "", 0, false
	}
	var seq int
	if _, err := fmt.Sscanf(base[i+1:], "p%d_%d", &page, &seq); err != nil {
		return "", 0, false
	}
	return base[:i], page, true
}
