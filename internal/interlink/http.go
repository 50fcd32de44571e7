package interlink

import (
	"context"
	"strings"
	"time"

	"execstore/internal/engine/auth"
	"execstore/internal/errors"
	execstoresdk "execstore/sdk/go"
)

// peerTokenTTL bounds how long a forwarded request's bearer token is valid.
const peerTokenTTL = time.Minute

// HTTPPublisher posts events to the owning partition's
// /interlink/intents endpoint.
type HTTPPublisher struct {
	// Peers maps partition name to base URL.
	Peers     map[string]string
	Secret    string
	Origin    string
	BasePath  string
	RetryMax  int
	Timeout   time.Duration
	Now       func() time.Time
	newClient func(baseURL string) *execstoresdk.Client
}

func NewHTTPPublisher(peers map[string]string, secret, origin, basePath string) *HTTPPublisher {
	return &HTTPPublisher{Peers: peers, Secret: secret, Origin: origin, BasePath: basePath, RetryMax: 3, Timeout: 10 * time.Second}
}

func (p *HTTPPublisher) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *HTTPPublisher) client(partition string) (*execstoresdk.Client, error) {
	baseURL := strings.TrimSpace(p.Peers[partition])
	if baseURL == "" {
		return nil, errors.Newf(errors.ErrForeignExecution, "no peer configured for partition %q", partition)
	}
	if p.newClient != nil {
		return p.newClient(baseURL), nil
	}
	c := execstoresdk.New(baseURL)
	c.BasePath = p.BasePath
	c.RetryMax = p.RetryMax
	c.Timeout = p.Timeout
	c.TokenSource = func() (string, error) {
		return auth.Sign(p.Secret, p.Origin, []string{auth.RolePeer}, peerTokenTTL, p.now())
	}
	return c, nil
}

func (p *HTTPPublisher) Publish(ctx context.Context, partition string, ev Event) error {
	c, err := p.client(partition)
	if err != nil {
		return err
	}
	if err := c.PostIntent(ctx, ev); err != nil {
		return errors.Wrapf(err, "posting %s to partition %q", ev.Type, partition)
	}
	return nil
}
