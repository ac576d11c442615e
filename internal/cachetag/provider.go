package cachetag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Provider purges tagged responses from an edge cache and names the
// response header the edge indexes tags by.
type Provider interface {
	PurgeTags(ctx context.Context, tags []string) error
	HeaderName() string
	HeaderValue(tags []string) string
}

// Noop never purges.
type Noop struct{}

func (Noop) PurgeTags(context.Context, []string) error { return nil }
func (Noop) HeaderName() string                        { return "" }
func (Noop) HeaderValue([]string) string               { return "" }

// CloudflareAPI is the default purge API base.
const CloudflareAPI = "https://api.cloudflare.com/client/v4"

// Cloudflare purges by tag through the zone purge_cache endpoint.
type Cloudflare struct {
	BaseURL string
	ZoneID  string
	Token   string
	Client  *http.Client
}

// NewCloudflare constructs a Cloudflare provider.
func NewCloudflare(zoneID, token string, timeout time.Duration) *Cloudflare {
	return &Cloudflare{BaseURL: CloudflareAPI, ZoneID: zoneID, Token: token, Client: &http.Client{Timeout: timeout}}
}

type cloudflarePurge struct {
	Tags []string `json:"tags"`
}

type cloudflareResult struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Cloudflare) PurgeTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	body, err := json.Marshal(cloudflarePurge{Tags: tags})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/zones/%s/purge_cache", strings.TrimRight(c.BaseURL, "/"), c.ZoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("cloudflare purge: %w", err)
	}
	defer resp.Body.Close()

	var out cloudflareResult
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("cloudflare purge: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("cloudflare purge: decode: %w", err)
	}
	if !out.Success {
		if len(out.Errors) > 0 {
			return fmt.Errorf("cloudflare purge: %d %s", out.Errors[0].Code, out.Errors[0].Message)
		}
		return fmt.Errorf("cloudflare purge: rejected")
	}
	return nil
}

func (*Cloudflare) HeaderName() string { return "Cache-Tag" }

func (*Cloudflare) HeaderValue(tags []string) string { return strings.Join(tags, ",") }

// publisher is the part of redis.Client used by Redis.
type publisher interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes purged tags on a channel that edge nodes subscribe to.
type Redis struct {
	client  publisher
	channel string
}

// NewRedis connects a Redis provider.
func NewRedis(addr, channel string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr}), channel: channel}
}

func (r *Redis) PurgeTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	if err := r.client.Publish(ctx, r.channel, strings.Join(tags, " ")).Err(); err != nil {
		return fmt.Errorf("redis purge: %w", err)
	}
	return nil
}

func (*Redis) HeaderName() string { return "Surrogate-Key" }

func (*Redis) HeaderValue(tags []string) string { return strings.Join(tags, " ") }

// Close releases the underlying client when it owns one.
func (r *Redis) Close() error {
	if c, ok := r.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Options select and configure a provider.
type Options struct {
	Provider     string
	ZoneID       string
	APIToken     string
	RedisAddr    string
	RedisChannel string
	Timeout      time.Duration
}

// New selects a provider by name.
func New(o Options) (Provider, error) {
	switch o.Provider {
	case "", "noop":
		return Noop{}, nil
	case "cloudflare":
		if o.ZoneID == "" || o.APIToken == "" {
			return nil, fmt.Errorf("cloudflare cache provider: zone id and api token required")
		}
		return NewCloudflare(o.ZoneID, o.APIToken, o.Timeout), nil
	case "redis":
		if o.RedisAddr == "" {
			return nil, fmt.Errorf("redis cache provider: address required")
		}
		ch := o.RedisChannel
		if ch == "" {
			ch = "cache-purge"
		}
		return NewRedis(o.RedisAddr, ch), nil
	default:
		return nil, fmt.Errorf("unknown cache provider %q", o.Provider)
	}
}
