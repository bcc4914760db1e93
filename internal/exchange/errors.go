package exchange

import (
	"errors"
	"fmt"
	"net"

	"github.com/adshao/go-binance/v2/common"

	"futuresfleet/internal/ratelimit"
)

var (
	ErrPositionOpen      = errors.New("position is open")
	ErrPriceUnavailable  = errors.New("price unavailable")
	ErrUnsupportedSymbol = errors.New("unsupported symbol")
	ErrInvalidCredential = errors.New("invalid exchange credential")
	ErrRateLimited       = errors.New("rate limited by exchange")
)

// Binance error codes handled specially.
const (
	codeInvalidAPIKey      int64 = -2014
	codeRejectedMBXKey     int64 = -2015
	codeInvalidSignature   int64 = -1022
	codeNoNeedMarginChange int64 = -4046
	codeNoNeedLeverage     int64 = -4028
)

// Retryable reports whether a call failed for a transient reason and may be repeated later.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// translate maps a raw go-binance error onto the package sentinels while keeping the original
// error in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case ratelimit.IsLimitCode(apiErr.Code):
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case apiErr.Code == codeInvalidAPIKey || apiErr.Code == codeRejectedMBXKey || apiErr.Code == codeInvalidSignature:
			return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		if limited, _ := ratelimit.DetectLimit(apiErr.Message); limited {
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		}
		return err
	}
	if limited, _ := ratelimit.DetectLimit(err.Error()); limited {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}

// isNoop reports rejections that mean the requested state is already in place.
func isNoop(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeNoNeedMarginChange || apiErr.Code == codeNoNeedLeverage
}

// ErrInvalidQuantity is returned when an order quantity rounds down to zero.
var ErrInvalidQuantity = errors.New("order quantity is zero after rounding")
