package outbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/numhive/platform/internal/domain/outbox"
	"github.com/numhive/platform/internal/engine"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/storage"
	"github.com/numhive/platform/pkg/logger"
)

const (
	// deliveryTimeout bounds one outbound webhook POST.
	deliveryTimeout = 30 * time.Second

	defaultDeliveryBatch = 50
)

// deliveryBackoff is the retry schedule after a failed attempt. The index
// is the attempt count just spent.
var deliveryBackoff = [...]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	360 * time.Minute,
}

// Notifier posts queued notifications to user-registered endpoints. Every
// delivery is signed the same way inbound provider webhooks are verified,
// so receivers can reuse one validation routine.
type Notifier struct {
	store  storage.OutboxStore
	client *http.Client
	batch  int
	log    *logger.Logger
}

// NewNotifier creates the notifier. httpClient may be nil.
func NewNotifier(store storage.OutboxStore, httpClient *http.Client, log *logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewDefault("notifier")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: deliveryTimeout}
	}
	return &Notifier{
		store:  store,
		client: httpClient,
		batch:  defaultDeliveryBatch,
		log:    log,
	}
}

// DeliverDue attempts every notification whose next attempt has come.
// Returns how many deliveries succeeded.
func (n *Notifier) DeliverDue(ctx context.Context) (int, error) {
	due, err := n.store.DueNotifications(ctx, time.Now().UTC(), n.batch)
	if err != nil {
		return 0, fmt.Errorf("notifier: list due: %w", err)
	}
	delivered := 0
	for _, notif := range due {
		if ctx.Err() != nil {
			break
		}
		if n.deliverOne(ctx, notif) {
			delivered++
		}
	}
	return delivered, nil
}

func (n *Notifier) deliverOne(ctx context.Context, notif outbox.Notification) bool {
	secret, active := n.endpointSecret(ctx, notif)
	if !active {
		// The subscription was removed; drop the delivery silently.
		if err := n.store.MarkNotificationDelivered(ctx, notif.ID); err != nil {
			n.log.WithError(err).WithField("notification_id", notif.ID).Warn("drop orphaned notification")
		}
		metrics.RecordNotificationDelivery("dropped")
		return false
	}

	if err := n.post(ctx, notif, secret); err != nil {
		n.reschedule(ctx, notif, err)
		return false
	}
	if err := n.store.MarkNotificationDelivered(ctx, notif.ID); err != nil {
		n.log.WithError(err).WithField("notification_id", notif.ID).Error("mark notification delivered")
		return false
	}
	metrics.RecordNotificationDelivery("success")
	return true
}

// endpointSecret resolves the signing secret of the notification's target.
// The second return is false when the endpoint no longer exists or was
// deactivated after the notification was queued.
func (n *Notifier) endpointSecret(ctx context.Context, notif outbox.Notification) (string, bool) {
	endpoints, err := n.store.ListWebhookEndpoints(ctx, notif.UserID, true)
	if err != nil {
		n.log.WithError(err).WithField("user_id", notif.UserID).Warn("resolve endpoint secret")
		// Keep the notification alive; the lookup may succeed next pass.
		return "", true
	}
	for _, ep := range endpoints {
		if ep.URL == notif.EndpointURL {
			return ep.Secret, true
		}
	}
	return "", false
}

func (n *Notifier) post(ctx context.Context, notif outbox.Notification, secret string) error {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, notif.EndpointURL, bytes.NewReader(notif.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", notif.EventType)
	req.Header.Set("X-Webhook-Delivery", notif.ID)
	req.Header.Set("X-Webhook-Timestamp", ts)
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", engine.SignWebhook(secret, ts, notif.Payload))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// reschedule books a failed attempt on the backoff schedule; the attempt
// that spends the budget parks the notification as a dead letter.
func (n *Notifier) reschedule(ctx context.Context, notif outbox.Notification, cause error) {
	attempt := notif.AttemptCount + 1
	wait := deliveryBackoff[len(deliveryBackoff)-1]
	if attempt-1 < len(deliveryBackoff) {
		wait = deliveryBackoff[attempt-1]
	}
	next := time.Now().UTC().Add(wait)
	if err := n.store.RescheduleNotification(ctx, notif.ID, attempt, next, cause.Error()); err != nil {
		n.log.WithError(err).WithField("notification_id", notif.ID).Error("reschedule notification")
		return
	}
	if attempt >= outbox.MaxDeliveryAttempts {
		metrics.RecordNotificationDelivery("dead")
		n.log.WithFields(map[string]interface{}{
			"notification_id": notif.ID,
			"endpoint":        notif.EndpointURL,
			"error":           cause.Error(),
		}).Error("notification dead-lettered")
		return
	}
	metrics.RecordNotificationDelivery("error")
	n.log.WithError(cause).WithFields(map[string]interface{}{
		"notification_id": notif.ID,
		"attempt":         attempt,
		"next_attempt":    next.Format(time.RFC3339),
	}).Warn("notification delivery failed, rescheduled")
}
