package provider

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"estatefund-escrow/internal/domain/payment"
)

// PayU sends JSON order and refund notifications signed with
// OpenPayu-Signature: sender=...;signature=<md5(body+second key)>;algorithm=MD5
type PayU struct {
	secondKey string
}

func NewPayU(secondKey string) *PayU { return &PayU{secondKey: secondKey} }

var payuOrderStatus = map[string]payment.EventStatus{
	"NEW":                      payment.EventPending,
	"PENDING":                  payment.EventPending,
	"WAITING_FOR_CONFIRMATION": payment.EventPending,
	"COMPLETED":                payment.EventCompleted,
	"CANCELED":                 payment.EventCancelled,
	"REJECTED":                 payment.EventFailed,
}

type payuNotification struct {
	Order *struct {
		OrderID      string `json:"orderId"`
		ExtOrderID   string `json:"extOrderId"`
		TotalAmount  string `json:"totalAmount"`
		CurrencyCode string `json:"currencyCode"`
		Status       string `json:"status"`
	} `json:"order"`
	OrderID    string `json:"orderId"`
	ExtOrderID string `json:"extOrderId"`
	Refund     *struct {
		RefundID          string `json:"refundId"`
		Amount            string `json:"amount"`
		CurrencyCode      string `json:"currencyCode"`
		Status            string `json:"status"`
		ReasonDescription string `json:"reasonDescription"`
	} `json:"refund"`
}

func (p *PayU) Name() string { return "payu" }

func (p *PayU) Ack() Ack {
	return Ack{ContentType: "application/json", Body: []byte(`{"status":"OK"}`)}
}

func (p *PayU) verify(req Request) error {
	if p.secondKey == "" {
		return nil
	}
	header := req.Header.Get("OpenPayu-Signature")
	if header == "" {
		return unauthorized("payu signature header missing")
	}
	var sig, algo string
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "signature":
			sig = strings.ToLower(v)
		case "algorithm":
			algo = strings.ToUpper(v)
		}
	}
	if algo != "" && algo != "MD5" {
		return unauthorized("payu signature algorithm %s", algo)
	}
	sum := md5.Sum(append(append([]byte{}, req.Body...), p.secondKey...))
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(sig)) != 1 {
		return unauthorized("payu signature mismatch")
	}
	return nil
}

func (p *PayU) Normalize(req Request) (*payment.Event, error) {
	if err := p.verify(req); err != nil {
		return nil, err
	}
	var n payuNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, malformed("payu json: %v", err)
	}

	ev := &payment.Event{RawPayload: req.Body}
	switch {
	case n.Refund != nil:
		if n.OrderID == "" || n.Refund.Status == "" {
			return nil, malformed("payu refund: orderId and refund.status are required")
		}
		ev.ProviderTransactionID = n.OrderID
		ev.SessionID = n.ExtOrderID
		ev.RawStatus = n.Refund.Status
		ev.Currency = n.Refund.CurrencyCode
		ev.TransactionType = payment.TxRefund
		ev.ProviderRefundID = n.Refund.RefundID
		switch strings.ToUpper(n.Refund.Status) {
		case "FINALIZED":
			ev.Status = payment.EventRefunded
		case "PENDING":
			// the refund is not final; nothing to apply yet
			return nil, nil
		default:
			// a cancelled refund leaves the payment completed
			return nil, nil
		}
		if n.Refund.Amount != "" {
			v, err := strconv.ParseInt(n.Refund.Amount, 10, 64)
			if err != nil {
				return nil, malformed("payu refund amount %q", n.Refund.Amount)
			}
			ev.Amount = minorUnits(v)
		}
	case n.Order != nil:
		if n.Order.OrderID == "" || n.Order.Status == "" {
			return nil, malformed("payu order: orderId and status are required")
		}
		ev.ProviderTransactionID = n.Order.OrderID
		ev.SessionID = n.Order.ExtOrderID
		ev.RawStatus = n.Order.Status
		ev.Currency = n.Order.CurrencyCode
		ev.TransactionType = payment.TxDeposit
		if s, ok := payuOrderStatus[strings.ToUpper(n.Order.Status)]; ok {
			ev.Status = s
		} else {
			ev.Status = payment.EventFailed
			ev.ErrorCode = "unknown_status:" + n.Order.Status
		}
		if ev.Status == payment.EventFailed && ev.ErrorCode == "" {
			ev.ErrorCode = strings.ToLower(n.Order.Status)
		}
		if n.Order.TotalAmount != "" {
			v, err := strconv.ParseInt(n.Order.TotalAmount, 10, 64)
			if err != nil {
				return nil, malformed("payu amount %q", n.Order.TotalAmount)
			}
			ev.Amount = minorUnits(v)
		}
	default:
		return nil, malformed("payu: neither order nor refund present")
	}
	return ev, nil
}
