package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/sourcegraph/conc/pool"

	"github.com/errandly/errandly/internal/config"
)

const maxConcurrentSends = 8

// Token is the decoded form of a device token: a web-push subscription. The
// coordinator treats tokens as opaque strings; only this dispatcher knows the
// encoding (base64url JSON).
type Token struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh"`
	AuthKey   string `json:"auth"`
}

// EncodeToken serializes a subscription into an opaque device token.
func EncodeToken(t Token) (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to encode push token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeToken(s string) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode push token: %w", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode push token: %w", err)
	}
	return &t, nil
}

// WebPushDispatcher delivers messages over the Web Push protocol with VAPID
// authentication.
type WebPushDispatcher struct {
	vapidEnv *config.VAPIDEnv
}

func NewWebPushDispatcher(vapidEnv *config.VAPIDEnv) *WebPushDispatcher {
	return &WebPushDispatcher{vapidEnv: vapidEnv}
}

// Configured reports whether VAPID keys are present.
func (d *WebPushDispatcher) Configured() bool {
	return d.vapidEnv.VAPIDPrivateKey != "" && d.vapidEnv.VAPIDPublicKey != ""
}

// Multicast sends msg to every token concurrently. Undecodable tokens,
// expired subscriptions, and transport errors count as failures; none of
// them abort the remaining sends.
func (d *WebPushDispatcher) Multicast(ctx context.Context, tokens []string, msg *Message) Result {
	if !d.Configured() {
		slog.WarnContext(ctx, "web push: VAPID keys not configured, dropping multicast", "tokens", len(tokens))
		return Result{Failure: len(tokens)}
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		slog.ErrorContext(ctx, "web push: failed to marshal payload", "error", err)
		return Result{Failure: len(tokens)}
	}

	var success, failure atomic.Int64
	p := pool.New().WithMaxGoroutines(maxConcurrentSends)
	for _, token := range tokens {
		p.Go(func() {
			if d.sendOne(ctx, token, payload) {
				success.Add(1)
			} else {
				failure.Add(1)
			}
		})
	}
	p.Wait()

	return Result{Success: int(success.Load()), Failure: int(failure.Load())}
}

func (d *WebPushDispatcher) sendOne(ctx context.Context, token string, payload []byte) bool {
	sub, err := decodeToken(token)
	if err != nil {
		slog.WarnContext(ctx, "web push: bad token", "error", err)
		return false
	}

	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, &webpush.Options{
		VAPIDPublicKey:  d.vapidEnv.VAPIDPublicKey,
		VAPIDPrivateKey: d.vapidEnv.VAPIDPrivateKey,
		Subscriber:      d.vapidEnv.VAPIDContact,
		TTL:             86400,
	})
	if err != nil {
		slog.ErrorContext(ctx, "web push: failed to send", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		slog.InfoContext(ctx, "web push: subscription expired", "endpoint", sub.Endpoint)
		return false
	}
	if resp.StatusCode >= 400 {
		slog.WarnContext(ctx, "web push: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
