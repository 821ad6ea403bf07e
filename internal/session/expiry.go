package session

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerExpiry returns the exp claim of a JWT bearer without verifying its
// signature. ok is false for opaque tokens or tokens without exp.
func BearerExpiry(bearer string) (time.Time, bool) {
	bearer = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(bearer), "Bearer "))
	if strings.Count(bearer, ".") != 2 {
		return time.Time{}, false
	}
	tok, _, err := jwt.NewParser().ParseUnverified(bearer, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ParseExpiration interprets an expiration value from a token response:
// epoch seconds, epoch milliseconds (values above 1e12) or an RFC 3339 string.
func ParseExpiration(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		return epochToTime(int64(x)), nil
	case int64:
		return epochToTime(x), nil
	case int:
		return epochToTime(int64(x)), nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("expiration %q: %w", x.String(), err)
		}
		return epochToTime(n), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, nil
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return epochToTime(n), nil
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("expiration %q: %w", s, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("expiration: unsupported type %T", v)
	}
}

func epochToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
