package binance

import (
	"errors"
	"fmt"
	"ladder-futures-bot/internal/gateway"
	"ladder-futures-bot/internal/models"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
)

func TestClassifyMapsExchangeCodes(t *testing.T) {
	cases := []struct {
		code int64
		want error
	}{
		{codeNoSuchOrder, gateway.ErrOrderNotFound},
		{codeCancelRejected, gateway.ErrOrderNotFound},
		{codeNoNeedMarginType, gateway.ErrAlreadyConfigured},
		{codeNoNeedChange, gateway.ErrAlreadyConfigured},
		{codeTooManyRequests, gateway.ErrTransient},
	}
	for _, c := range cases {
		err := classify(&common.APIError{Code: c.code, Message: "x"})
		assert.ErrorIs(t, err, c.want, "code %d", c.code)
	}

	wrapped := fmt.Errorf("call: %w", &common.APIError{Code: codeNoSuchOrder})
	assert.ErrorIs(t, classify(wrapped), gateway.ErrOrderNotFound)

	other := &common.APIError{Code: -2019, Message: "Margin is insufficient."}
	assert.Equal(t, error(other), classify(other))

	// 杠杆无效是拒绝, 不能当作已配置
	invalid := classify(&common.APIError{Code: codeInvalidLeverage, Message: "Leverage 150 is not valid"})
	assert.Error(t, invalid)
	assert.False(t, gateway.IsIdempotentSuccess(invalid))
	assert.False(t, gateway.IsTransient(invalid))
	assert.NoError(t, classify(nil))
	assert.False(t, errors.Is(classify(errors.New("boom")), gateway.ErrTransient))
}

func TestNormalizeStatus(t *testing.T) {
	assert.Equal(t, models.OrderWait, normalizeStatus(futures.OrderStatusTypeNew))
	assert.Equal(t, models.OrderWait, normalizeStatus(futures.OrderStatusTypePartiallyFilled))
	assert.Equal(t, models.OrderDone, normalizeStatus(futures.OrderStatusTypeFilled))
	assert.Equal(t, models.OrderCancel, normalizeStatus(futures.OrderStatusTypeExpired))
	assert.Equal(t, models.OrderCancel, normalizeStatus(futures.OrderStatusTypeCanceled))
	assert.Equal(t, models.OrderError, normalizeStatus(futures.OrderStatusType("UNKNOWN")))
}

func TestFormatFloat(t *testing.T) {
	assert.Equal(t, "96", formatFloat(96))
	assert.Equal(t, "0.001", formatFloat(0.001))
}
