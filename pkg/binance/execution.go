package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/AEgurcan/signaltrader/pkg/models"
)

// SubmitMarketOrder places a MARKET order. Every call signs a fresh
// timestamp and carries its own client order id, so retries are distinct
// requests as far as the exchange is concerned.
func (c *Client) SubmitMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity float64) (models.ExecutionResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(quantity))
	params.Set("newClientOrderId", uuid.NewString())

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.ExecutionResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return models.ExecutionResult{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        models.OrderStatus(resp.Status),
		SubmittedAt:   time.Now(),
	}, nil
}

type orderSubmitter interface {
	SubmitMarketOrder(ctx context.Context, symbol string, side models.OrderSide, quantity float64) (models.ExecutionResult, error)
}

// Execution wraps raw order submission with the rejection fallback
// policy: excess precision gets one truncated resubmission, a
// PERCENT_PRICE band rejection is a benign no-op, anything else is fatal
// for the order.
type Execution struct {
	client orderSubmitter
	logger *logrus.Logger
}

func NewExecution(client orderSubmitter, logger *logrus.Logger) *Execution {
	return &Execution{client: client, logger: logger}
}

// Submit executes one OrderIntent against the exchange.
func (e *Execution) Submit(ctx context.Context, intent models.OrderIntent) (models.ExecutionResult, error) {
	log := e.logger.WithFields(logrus.Fields{
		"symbol":   intent.Symbol,
		"side":     intent.Side,
		"quantity": intent.Quantity,
		"reason":   intent.Reason,
	})

	result, err := e.client.SubmitMarketOrder(ctx, intent.Symbol, intent.Side, intent.Quantity)
	if err == nil {
		log.WithField("order_id", result.OrderID).Info("Order submitted")
		return result, nil
	}

	switch {
	case IsPercentPriceRejection(err):
		log.WithError(err).Warn("Order skipped: price band rejection")
		return models.ExecutionResult{Symbol: intent.Symbol, Skipped: true}, nil

	case IsPrecisionRejection(err):
		// Re-floor onto the step grid the intent was sized against;
		// without a known step the integer grid is all that is left.
		floored := math.Trunc(intent.Quantity)
		if intent.StepSize > 0 {
			floored = models.FloorToStep(intent.Quantity, intent.StepSize)
		}
		if floored <= 0 {
			// A zero quantity is rejected no matter how it is formatted.
			return models.ExecutionResult{}, fmt.Errorf("precision fallback for %s: quantity %v floors to zero: %w",
				intent.Symbol, intent.Quantity, err)
		}
		log.WithField("floored", floored).Warn("Precision rejection, resubmitting floored quantity")

		result, retryErr := e.client.SubmitMarketOrder(ctx, intent.Symbol, intent.Side, floored)
		if retryErr == nil {
			log.WithField("order_id", result.OrderID).Info("Order submitted after truncation")
			return result, nil
		}
		if IsPercentPriceRejection(retryErr) {
			log.WithError(retryErr).Warn("Order skipped: price band rejection on retry")
			return models.ExecutionResult{Symbol: intent.Symbol, Skipped: true}, nil
		}
		// One truncation attempt only.
		return models.ExecutionResult{}, fmt.Errorf("order %s %s rejected after truncation: %w",
			intent.Side, intent.Symbol, retryErr)

	default:
		return models.ExecutionResult{}, fmt.Errorf("order %s %s rejected: %w", intent.Side, intent.Symbol, err)
	}
}
