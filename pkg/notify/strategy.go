package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/fruithappens/coffeecue/pkg/orders"
)

// Strategy names of the default cascade, in priority order.
const (
	MethodPrimary      = "primary"
	MethodOrderService = "order_service"
	MethodDirect       = "direct"
)

var errNoPhone = errors.New("order has no phone number")

// Result is a strategy's answer. A strategy may return an error (the call
// failed) or a Result with Success false (the call went through but the
// message was not sent); the cascade treats both as a failed attempt.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Strategy is one way of telling a customer their order is ready.
type Strategy interface {
	Name() string
	Send(ctx context.Context, order orders.Order) (Result, error)
}

// DefaultStrategies returns the standard cascade over api: the primary
// messaging channel, the order service's notify endpoint, and a minimal
// direct text message.
func DefaultStrategies(api orders.Caller) []Strategy {
	return []Strategy{
		&primaryStrategy{api: api},
		&orderServiceStrategy{api: api},
		&directStrategy{api: api},
	}
}

type smsRequest struct {
	PhoneNumber string    `json:"phone_number"`
	Message     string    `json:"message"`
	OrderID     orders.ID `json:"order_id,omitempty"`
}

// ReadyMessage is the full customer-facing message.
func ReadyMessage(order orders.Order) string {
	name := order.CustomerName
	if name == "" {
		name = "there"
	}
	item := order.Item
	if item == "" {
		item = "coffee"
	}
	return fmt.Sprintf("Hi %s, your %s is ready for collection! (order #%s)", name, item, order.ID)
}

// primaryStrategy sends the full message through POST /sms/send.
type primaryStrategy struct {
	api orders.Caller
}

func (s *primaryStrategy) Name() string { return MethodPrimary }

func (s *primaryStrategy) Send(ctx context.Context, order orders.Order) (Result, error) {
	if order.Phone == "" {
		return Result{}, errNoPhone
	}
	return post(ctx, s.api, "/sms/send", smsRequest{
		PhoneNumber: order.Phone,
		Message:     ReadyMessage(order),
		OrderID:     order.ID,
	})
}

// orderServiceStrategy asks the order service to notify the customer. It
// works without a phone number on the client.
type orderServiceStrategy struct {
	api orders.Caller
}

func (s *orderServiceStrategy) Name() string { return MethodOrderService }

func (s *orderServiceStrategy) Send(ctx context.Context, order orders.Order) (Result, error) {
	endpoint := fmt.Sprintf("/orders/%s/notify", url.PathEscape(string(order.ID)))
	return post(ctx, s.api, endpoint, map[string]string{"message": ReadyMessage(order)})
}

// directStrategy sends the shortest possible text through POST /sms/direct.
type directStrategy struct {
	api orders.Caller
}

func (s *directStrategy) Name() string { return MethodDirect }

func (s *directStrategy) Send(ctx context.Context, order orders.Order) (Result, error) {
	if order.Phone == "" {
		return Result{}, errNoPhone
	}
	return post(ctx, s.api, "/sms/direct", smsRequest{
		PhoneNumber: order.Phone,
		Message:     fmt.Sprintf("Order #%s is ready.", order.ID),
	})
}

func post(ctx context.Context, api orders.Caller, endpoint string, body any) (Result, error) {
	resp, err := api.Call(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := resp.Decode(&res); err != nil {
		return Result{}, err
	}
	return res, nil
}
