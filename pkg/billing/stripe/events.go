package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gocoin/pkg/billing"
	"github.com/mihaimyh/gocoin/pkg/gocoin"
)

// ParseEvent verifies the Stripe-Signature header and normalizes the event object
func (g *Gateway) ParseEvent(payload []byte, signature string) (*billing.Event, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", billing.ErrInvalidWebhookSignature)
	}
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", billing.ErrInvalidWebhookSignature)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	}
	if event.ID == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: event without id or data", billing.ErrInvalidWebhookPayload)
	}

	out := &billing.Event{
		ID:      event.ID,
		Type:    billing.EventType(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
		Raw:     payload,
	}
	if err := decodeObject(out, event.Data.Raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", billing.ErrInvalidWebhookPayload, event.Type, err)
	}
	return out, nil
}

// decodeObject fills the normalized object for the event types the reconciler handles
func decodeObject(out *billing.Event, raw json.RawMessage) error {
	switch out.Type {
	case billing.EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		out.Session = sessionFrom(&session)
	case billing.EventInvoicePaid, billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		inv, err := invoiceFrom(raw)
		if err != nil {
			return err
		}
		out.Invoice = inv
	case billing.EventPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return err
		}
		out.PaymentIntent = &billing.PaymentIntent{
			ID:         pi.ID,
			CustomerID: customerID(pi.Customer),
			Amount:     pi.Amount,
			Currency:   string(pi.Currency),
			Metadata:   pi.Metadata,
		}
	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return err
		}
		out.Subscription = subscriptionFrom(&sub)
	}
	return nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func sessionFrom(s *stripe.CheckoutSession) *billing.Session {
	out := &billing.Session{
		ID:       s.ID,
		Complete: s.Status == stripe.CheckoutSessionStatusComplete,
		Paid: s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid ||
			s.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired,
		Metadata:          s.Metadata,
		ClientReferenceID: s.ClientReferenceID,
		CustomerID:        customerID(s.Customer),
		AmountTotal:       s.AmountTotal,
		Currency:          string(s.Currency),
		Created:           unixTime(s.Created),
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
	}
	if s.PaymentIntent != nil {
		out.PaymentIntentID = s.PaymentIntent.ID
	}
	if s.Invoice != nil {
		out.InvoiceID = s.Invoice.ID
	}
	return out
}

// subscriptionFrom normalizes a subscription. Billing periods live on the
// subscription items; the widest item period is used.
func subscriptionFrom(s *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                s.ID,
		CustomerID:        customerID(s.Customer),
		Status:            statusFrom(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			start, end := unixTime(item.CurrentPeriodStart), unixTime(item.CurrentPeriodEnd)
			if !start.IsZero() && (out.CurrentPeriodStart.IsZero() || start.Before(out.CurrentPeriodStart)) {
				out.CurrentPeriodStart = start
			}
			if end.After(out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = end
			}
		}
	}
	return out
}

func statusFrom(s stripe.SubscriptionStatus) gocoin.Status {
	status := gocoin.Status(s)
	if !status.Valid() {
		return gocoin.StatusIncomplete
	}
	return status
}

// expandable decodes a field that is either an object id or the expanded object
type expandable string

func (e *expandable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandable(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandable(obj.ID)
	return nil
}

type period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// rawInvoice covers both the current invoice shape, where the subscription
// hangs off parent.subscription_details, and the legacy top-level fields.
type rawInvoice struct {
	ID            string            `json:"id"`
	Customer      expandable        `json:"customer"`
	Subscription  expandable        `json:"subscription"`
	PaymentIntent expandable        `json:"payment_intent"`
	AmountPaid    int64             `json:"amount_paid"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandable        `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines *struct {
		Data []struct {
			Period period `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	StatusTransitions *struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandable `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

func invoiceFrom(raw json.RawMessage) (*billing.Invoice, error) {
	var in rawInvoice
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, errors.New("invoice without id")
	}

	out := &billing.Invoice{
		ID:              in.ID,
		CustomerID:      string(in.Customer),
		SubscriptionID:  string(in.Subscription),
		PaymentIntentID: string(in.PaymentIntent),
		AmountPaid:      in.AmountPaid,
		Currency:        in.Currency,
		BillingReason:   in.BillingReason,
		Metadata:        in.Metadata,
	}
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		details := in.Parent.SubscriptionDetails
		if out.SubscriptionID == "" {
			out.SubscriptionID = string(details.Subscription)
		}
		if len(details.Metadata) > 0 {
			out.Metadata = details.Metadata
		}
	}
	if len(out.Metadata) == 0 && in.SubscriptionDetails != nil {
		out.Metadata = in.SubscriptionDetails.Metadata
	}
	if out.PaymentIntentID == "" && in.Payments != nil {
		for _, p := range in.Payments.Data {
			if p.Payment.PaymentIntent != "" {
				out.PaymentIntentID = string(p.Payment.PaymentIntent)
				break
			}
		}
	}
	if in.Lines != nil {
		for _, line := range in.Lines.Data {
			start, end := unixTime(line.Period.Start), unixTime(line.Period.End)
			if end.After(out.PeriodEnd) {
				out.PeriodStart, out.PeriodEnd = start, end
			}
		}
	}
	if in.StatusTransitions != nil {
		out.PaidAt = unixTime(in.StatusTransitions.PaidAt)
	}
	return out, nil
}
