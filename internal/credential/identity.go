package credential

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/snapetech/epgharvest/internal/httpclient"
	"github.com/snapetech/epgharvest/internal/session"
)

// Identity checks a candidate bearer against an account endpoint. A 200 is
// corroboration; anything else is reported as an error for the caller to log.
type Identity struct {
	URL     string
	Client  *http.Client
	Profile httpclient.BrowserProfile
}

func (i *Identity) Corroborate(ctx context.Context, sess *session.Session) error {
	if i == nil || i.URL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.URL, nil)
	if err != nil {
		return err
	}
	i.Profile.Apply(req)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Authorization", bearerValue(sess.Bearer))
	client := i.Client
	if client == nil {
		client = httpclient.Default()
	}
	attachCookies(client, req, sess.Cookies)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: status %d", resp.StatusCode)
	}
	return nil
}
