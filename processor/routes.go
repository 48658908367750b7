package processor

import (
	"fmt"

	"github.com/interlock-io/interlock/event"
	"github.com/interlock-io/interlock/outbound"
)

// route is the resolved plan for one event type: which entity it touches,
// what transition it applies, and which outbound notification (if any)
// follows a successful apply.
type route struct {
	ref       EntityRef
	mustExist bool
	tr        Transition
	outbound  *outbound.Request
}

// resolve maps an event to its route. An error here is permanent: the
// event names a type or shape this engine does not handle, and redelivery
// cannot fix that.
func resolve(evt *event.WebhookEvent) (route, error) {
	switch evt.Source {
	case event.SourceUser:
		return resolveUser(evt)
	case event.SourcePayment:
		return resolvePayment(evt)
	case event.SourceCommunication:
		return resolveCommunication(evt)
	}
	return route{}, fmt.Errorf("unroutable source %q", evt.Source)
}

func resolveUser(evt *event.WebhookEvent) (route, error) {
	userID, err := payloadString(evt.Payload, "user_id")
	if err != nil {
		return route{}, err
	}
	ref := EntityRef{Kind: "user", ID: userID}

	switch evt.Type {
	case "user.created":
		return route{
			ref: ref,
			tr: Transition{
				Name:   "provision_user",
				Fields: pick(evt.Payload, "email", "first_name", "last_name", "role"),
			},
		}, nil
	case "user.updated":
		return route{
			ref:       ref,
			mustExist: true,
			tr: Transition{
				Name:   "sync_user",
				Fields: pick(evt.Payload, "email", "first_name", "last_name", "role", "is_active"),
			},
		}, nil
	case "user.deleted":
		return route{
			ref:       ref,
			mustExist: true,
			tr:        Transition{Name: "deactivate_user"},
		}, nil
	}
	return route{}, fmt.Errorf("unknown user-service event type %q", evt.Type)
}

func resolvePayment(evt *event.WebhookEvent) (route, error) {
	subID, err := payloadString(evt.Payload, "subscription_id")
	if err != nil {
		return route{}, err
	}
	ref := EntityRef{Kind: "subscription", ID: subID}

	switch evt.Type {
	case "subscription.created":
		return route{
			ref: ref,
			tr: Transition{
				Name:   "record_subscription",
				Fields: pick(evt.Payload, "plan", "status", "current_period_end"),
			},
		}, nil
	case "subscription.activated":
		return route{
			ref:       ref,
			mustExist: true,
			tr:        Transition{Name: "activate_subscription"},
			outbound: outbound.NewRequest(event.SourceCommunication, "POST", "/notifications", map[string]any{
				"tenant_id":       evt.TenantID,
				"subscription_id": subID,
				"template":        "subscription_activated",
			}),
		}, nil
	case "payment.failed":
		return route{
			ref:       ref,
			mustExist: true,
			tr: Transition{
				Name:   "flag_payment_failed",
				Fields: pick(evt.Payload, "failure_reason", "amount", "currency"),
			},
			outbound: outbound.NewRequest(event.SourceCommunication, "POST", "/emails", map[string]any{
				"tenant_id":       evt.TenantID,
				"subscription_id": subID,
				"template":        "payment_failed",
				"reason":          evt.Payload["failure_reason"],
			}),
		}, nil
	}
	return route{}, fmt.Errorf("unknown payment-service event type %q", evt.Type)
}

func resolveCommunication(evt *event.WebhookEvent) (route, error) {
	msgID, err := payloadString(evt.Payload, "message_id")
	if err != nil {
		return route{}, err
	}
	ref := EntityRef{Kind: "message", ID: msgID}

	switch evt.Type {
	case "message.delivered":
		return route{
			ref:       ref,
			mustExist: true,
			tr: Transition{
				Name:   "mark_message_delivered",
				Fields: pick(evt.Payload, "delivered_at", "channel"),
			},
		}, nil
	case "message.bounced":
		r := route{
			ref:       ref,
			mustExist: true,
			tr: Transition{
				Name:   "mark_message_bounced",
				Fields: pick(evt.Payload, "bounce_type", "bounced_at"),
			},
		}
		// A hard bounce means the recipient address is dead; tell the
		// user-service so it stops being used.
		if userID, err := payloadString(evt.Payload, "user_id"); err == nil && evt.Payload["bounce_type"] == "hard" {
			r.outbound = outbound.NewRequest(event.SourceUser, "PUT", "/users/"+userID+"/email-status", map[string]any{
				"tenant_id": evt.TenantID,
				"status":    "invalid",
			})
		}
		return r, nil
	}
	return route{}, fmt.Errorf("unknown communication-service event type %q", evt.Type)
}

// payloadString extracts a required non-empty string field.
func payloadString(payload map[string]any, key string) (string, error) {
	v, ok := payload[key]
	if !ok {
		return "", fmt.Errorf("payload missing %q", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("payload field %q is not a non-empty string", key)
	}
	return s, nil
}

// pick copies the named keys that are present in the payload.
func pick(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}
