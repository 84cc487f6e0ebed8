package provider

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estatefund-escrow/internal/domain/payment"
)

const payuKey = "b6ca15b0d1020e8094d9b5f8d163db54"

func payuRequest(body, key string) Request {
	sum := md5.Sum([]byte(body + key))
	h := http.Header{}
	h.Set("OpenPayu-Signature", "sender=checkout;signature="+hex.EncodeToString(sum[:])+";algorithm=MD5;content=DOCUMENT")
	return Request{Body: []byte(body), ContentType: "application/json", Header: h}
}

func TestPayU_OrderStatuses(t *testing.T) {
	p := NewPayU(payuKey)
	cases := map[string]payment.EventStatus{
		"NEW":                      payment.EventPending,
		"PENDING":                  payment.EventPending,
		"WAITING_FOR_CONFIRMATION": payment.EventPending,
		"COMPLETED":                payment.EventCompleted,
		"CANCELED":                 payment.EventCancelled,
		"REJECTED":                 payment.EventFailed,
	}
	for raw, want := range cases {
		t.Run(raw, func(t *testing.T) {
			body := `{"order":{"orderId":"WZHF5FFDRJ140731GUEST000P01","extOrderId":"sess-7","totalAmount":"2500050","currencyCode":"PLN","status":"` + raw + `"}}`
			ev, err := p.Normalize(payuRequest(body, payuKey))
			require.NoError(t, err)
			assert.Equal(t, want, ev.Status)
			assert.Equal(t, "WZHF5FFDRJ140731GUEST000P01", ev.ProviderTransactionID)
			assert.Equal(t, "sess-7", ev.SessionID)
			assert.Equal(t, "25000.50", ev.Amount.StringFixed(2))
			assert.Equal(t, payment.TxDeposit, ev.TransactionType)
		})
	}
}

func TestPayU_UnknownOrderStatus(t *testing.T) {
	p := NewPayU("")
	ev, err := p.Normalize(Request{Body: []byte(`{"order":{"orderId":"O1","status":"LIMBO"}}`)})
	require.NoError(t, err)
	assert.Equal(t, payment.EventFailed, ev.Status)
	assert.Equal(t, "unknown_status:LIMBO", ev.ErrorCode)
}

func TestPayU_Refund(t *testing.T) {
	p := NewPayU(payuKey)
	body := `{"orderId":"O1","extOrderId":"sess-1","refund":{"refundId":"912128","amount":"1000000","currencyCode":"PLN","status":"FINALIZED"}}`
	ev, err := p.Normalize(payuRequest(body, payuKey))
	require.NoError(t, err)
	assert.Equal(t, payment.EventRefunded, ev.Status)
	assert.Equal(t, payment.TxRefund, ev.TransactionType)
	assert.Equal(t, "912128", ev.ProviderRefundID)
	assert.Equal(t, "10000.00", ev.Amount.StringFixed(2))

	pending := `{"orderId":"O1","refund":{"refundId":"1","status":"PENDING"}}`
	ev, err = p.Normalize(payuRequest(pending, payuKey))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestPayU_Signature(t *testing.T) {
	p := NewPayU(payuKey)
	body := `{"order":{"orderId":"O1","status":"COMPLETED"}}`

	_, err := p.Normalize(payuRequest(body, "wrong"))
	assert.ErrorIs(t, err, ErrUnauthorizedSource)

	_, err = p.Normalize(Request{Body: []byte(body), Header: http.Header{}})
	assert.ErrorIs(t, err, ErrUnauthorizedSource)

	r := payuRequest(body, payuKey)
	r.Header.Set("OpenPayu-Signature", r.Header.Get("OpenPayu-Signature")+";algorithm=SHA-256")
	_, err = p.Normalize(r)
	assert.ErrorIs(t, err, ErrUnauthorizedSource)
}

func TestPayU_Malformed(t *testing.T) {
	p := NewPayU("")
	for _, body := range []string{`{`, `{}`, `{"order":{"status":"COMPLETED"}}`, `{"order":{"orderId":"O1","status":"COMPLETED","totalAmount":"12.5"}}`} {
		_, err := p.Normalize(Request{Body: []byte(body), Header: http.Header{}})
		assert.ErrorIs(t, err, ErrMalformedPayload, body)
	}
}
