package provider

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"estatefund-escrow/internal/domain/payment"
)

// tpay posts form-encoded notifications and expects the literal body TRUE.
// md5sum = md5(id + tr_id + tr_amount + tr_crc + security code).
type Tpay struct {
	merchantID   string
	securityCode string
}

func NewTpay(merchantID, securityCode string) *Tpay {
	return &Tpay{merchantID: merchantID, securityCode: securityCode}
}

var tpayStatus = map[string]payment.EventStatus{
	"TRUE":       payment.EventCompleted,
	"PAID":       payment.EventCompleted,
	"FALSE":      payment.EventFailed,
	"CHARGEBACK": payment.EventRefunded,
}

func (t *Tpay) Name() string { return "tpay" }

func (t *Tpay) Ack() Ack { return Ack{ContentType: "text/plain; charset=utf-8", Body: []byte("TRUE")} }

func (t *Tpay) Normalize(req Request) (*payment.Event, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, malformed("tpay form: %v", err)
	}
	txn := strings.TrimSpace(form.Get("tr_id"))
	raw := strings.TrimSpace(form.Get("tr_status"))
	if txn == "" || raw == "" {
		return nil, malformed("tpay: tr_id and tr_status are required")
	}
	if t.merchantID != "" && form.Get("id") != t.merchantID {
		return nil, unauthorized("tpay merchant id %q", form.Get("id"))
	}
	if t.securityCode != "" {
		sum := md5.Sum([]byte(form.Get("id") + txn + form.Get("tr_amount") + form.Get("tr_crc") + t.securityCode))
		want := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(form.Get("md5sum")))) != 1 {
			return nil, unauthorized("tpay checksum mismatch")
		}
	}

	ev := &payment.Event{
		ProviderTransactionID: txn,
		SessionID:             form.Get("tr_crc"),
		RawStatus:             raw,
		Currency:              "PLN",
		TransactionType:       payment.TxDeposit,
	}
	if c := form.Get("tr_currency"); c != "" {
		ev.Currency = strings.ToUpper(c)
	}
	if s, ok := tpayStatus[strings.ToUpper(raw)]; ok {
		ev.Status = s
	} else {
		ev.Status = payment.EventFailed
		ev.ErrorCode = "unknown_status:" + raw
	}
	if ev.Status == payment.EventRefunded {
		ev.TransactionType = payment.TxRefund
	}

	amount := form.Get("tr_paid")
	if amount == "" {
		amount = form.Get("tr_amount")
	}
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, malformed("tpay amount %q", amount)
		}
		ev.Amount = d
	}
	if e := form.Get("tr_error"); e != "" && e != "none" {
		ev.ErrorCode = e
		ev.ErrorMessage = "tpay reported " + e
	}

	flat := make(map[string]string, len(form))
	for k := range form {
		if k == "md5sum" {
			continue
		}
		flat[k] = form.Get(k)
	}
	ev.RawPayload, _ = json.Marshal(flat)
	return ev, nil
}
