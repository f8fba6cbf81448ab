package binance

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Rejection codes the execution policy cares about.
const (
	// CodePrecision: quantity carries more decimal precision than the
	// symbol allows.
	CodePrecision = -1111
	// CodePercentPrice: the order would cross the PERCENT_PRICE band,
	// which only happens against a thin book.
	CodePercentPrice = -4131
)

// APIError is a structured rejection returned by the exchange.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: code=%d msg=%q (http %d)", e.Code, e.Message, e.HTTPStatus)
}

// parseAPIError turns a non-2xx response body into an *APIError when the
// body carries the exchange's {code,msg} shape, or a generic error
// otherwise.
func parseAPIError(status int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		apiErr.HTTPStatus = status
		return &apiErr
	}
	return fmt.Errorf("binance: http %d: %s", status, string(body))
}

// IsPrecisionRejection reports whether err is the excess-precision
// rejection.
func IsPrecisionRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodePrecision
}

// IsPercentPriceRejection reports whether err is the price-band
// rejection seen under thin liquidity.
func IsPercentPriceRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodePercentPrice
}
