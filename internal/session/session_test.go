package session

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCacheID = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"

func TestValidate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		s    *Session
		want error
	}{
		{"valid no expiry", &Session{CacheID: testCacheID}, nil},
		{"valid future expiry", &Session{CacheID: testCacheID, ExpiresAt: now.Add(time.Hour)}, nil},
		{"expired", &Session{CacheID: testCacheID, ExpiresAt: now.Add(-time.Second)}, ErrExpired},
		{"expires now", &Session{CacheID: testCacheID, ExpiresAt: now}, ErrExpired},
		{"missing cache id", &Session{Bearer: "b"}, ErrNoCacheID},
		{"malformed cache id", &Session{CacheID: "not-a-uuid"}, ErrNoCacheID},
		{"nil", nil, ErrNoCacheID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.s.Validate(now)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "err = %v, want %v", err, tt.want)
		})
	}
}

func TestMergeCookies(t *testing.T) {
	s := &Session{CacheID: testCacheID, Cookies: map[string]string{"JSESSIONID": "old", "AWSALB": "a"}}
	s.MergeCookies([]*http.Cookie{
		{Name: "JSESSIONID", Value: "new"},
		{Name: "AWSALB", Value: "", MaxAge: -1},
		{Name: "AWSALBCORS", Value: "c"},
		nil,
	})
	assert.Equal(t, map[string]string{"JSESSIONID": "new", "AWSALBCORS": "c"}, s.Cookies)
	assert.Equal(t, "AWSALBCORS=c; JSESSIONID=new", s.CookieHeader())
}

func TestCloneIsDeep(t *testing.T) {
	s := &Session{CacheID: testCacheID, Cookies: map[string]string{"a": "1"}}
	c := s.Clone()
	c.Cookies["a"] = "2"
	assert.Equal(t, "1", s.Cookies["a"])
}

func TestParseCookieString(t *testing.T) {
	got := ParseCookieString(" JSESSIONID=abc; AWSALB=x=y ; broken; =v; empty= ")
	assert.Equal(t, map[string]string{"JSESSIONID": "abc", "AWSALB": "x=y"}, got)
}

func TestFilterCookies(t *testing.T) {
	in := []*http.Cookie{{Name: "JSESSIONID", Value: "1"}, {Name: "_ga", Value: "2"}}
	assert.Len(t, FilterCookies(in, nil), 2)
	out := FilterCookies(in, []string{"JSESSIONID"})
	require.Len(t, out, 1)
	assert.Equal(t, "JSESSIONID", out[0].Name)
}

func TestBearerExpiry(t *testing.T) {
	exp := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix(), "sub": "u"}).SignedString([]byte("k"))
	require.NoError(t, err)

	got, ok := BearerExpiry("Bearer " + tok)
	require.True(t, ok)
	assert.True(t, got.Equal(exp), "got %v want %v", got, exp)

	_, ok = BearerExpiry("opaque-token")
	assert.False(t, ok)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok = BearerExpiry(noExp)
	assert.False(t, ok)
}

func TestParseExpiration(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"seconds float", float64(1700000000)},
		{"millis float", float64(1700000000000)},
		{"millis string", "1700000000000"},
		{"rfc3339", "2023-11-14T22:13:20Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpiration(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "got %v", got)
		})
	}

	zero, err := ParseExpiration(nil)
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseExpiration("tomorrow")
	assert.Error(t, err)
}
