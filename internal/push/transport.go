package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"taskboard/internal/directory"
)

// ErrSubscriptionGone means the push service reported the endpoint as
// permanently dead (unsubscribed or expired). The subscription should be
// flagged so fan-out stops trying it.
var ErrSubscriptionGone = errors.New("push subscription gone")

// Transport performs one delivery attempt to one endpoint.
type Transport interface {
	Send(ctx context.Context, sub directory.Subscription, body []byte) error
}

// WebPushConfig carries the VAPID identity used to sign requests to the
// browser push services.
type WebPushConfig struct {
	Subscriber      string // mailto: or https: contact
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	TTL             int // seconds the push service may hold the message
}

// WebPushTransport sends Web Push messages (RFC 8030 + VAPID).
type WebPushTransport struct {
	cfg WebPushConfig
}

func NewWebPushTransport(cfg WebPushConfig) (*WebPushTransport, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("VAPID key pair is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 3600
	}
	return &WebPushTransport{cfg: cfg}, nil
}

func (t *WebPushTransport) Send(ctx context.Context, sub directory.Subscription, body []byte) error {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, s, &webpush.Options{
		Subscriber:      t.cfg.Subscriber,
		VAPIDPublicKey:  t.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: t.cfg.VAPIDPrivateKey,
		TTL:             t.cfg.TTL,
	})
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
