package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/numhive/platform/internal/domain/number"
)

// purchase drives the full flow: seeded catalogue, funded wallet, stubbed
// vendor, HTTP purchase.
func (h *harness) purchase(t *testing.T, token string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/numbers/purchase", token, map[string]string{
		"countryCode":    "us",
		"serviceCode":    "tg",
		"idempotencyKey": "buy-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Number struct {
			ID          string `json:"id"`
			PhoneNumber string `json:"phoneNumber"`
			Provider    string `json:"provider"`
			Status      string `json:"status"`
		} `json:"number"`
	}
	decodeBody(t, rec, &resp)
	if resp.Number.PhoneNumber != "+15550001111" {
		t.Fatalf("phone = %q", resp.Number.PhoneNumber)
	}
	if resp.Number.Provider != "k1" {
		t.Fatalf("provider = %q", resp.Number.Provider)
	}
	if resp.Number.Status != "active" {
		t.Fatalf("status = %q", resp.Number.Status)
	}
	return resp.Number.ID
}

func TestPurchaseFlow(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 5)
	token, _ := h.register(t, "buyer@example.com", "hunter2hunter2")
	h.topup(t, token, 1000, "fund")

	numberID := h.purchase(t, token)

	rec := h.do(t, http.MethodGet, "/numbers/my", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("my numbers: %d %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Numbers []struct {
			ID string `json:"id"`
		} `json:"numbers"`
		Total int64 `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 || len(list.Numbers) != 1 || list.Numbers[0].ID != numberID {
		t.Fatalf("list = %+v", list)
	}

	rec = h.do(t, http.MethodGet, "/numbers/"+numberID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get number: %d", rec.Code)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 5)
	token, _ := h.register(t, "broke@example.com", "hunter2hunter2")
	h.topup(t, token, 10, "tiny")

	rec := h.do(t, http.MethodPost, "/numbers/purchase", token, map[string]string{
		"countryCode":    "us",
		"serviceCode":    "tg",
		"idempotencyKey": "buy-broke",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	if errorCode(t, rec) != "INSUFFICIENT_FUNDS" {
		t.Fatalf("code = %q", errorCode(t, rec))
	}
}

func TestPurchaseOutOfStock(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 0)
	token, _ := h.register(t, "late@example.com", "hunter2hunter2")
	h.topup(t, token, 1000, "fund")

	rec := h.do(t, http.MethodPost, "/numbers/purchase", token, map[string]string{
		"countryCode":    "us",
		"serviceCode":    "tg",
		"idempotencyKey": "buy-late",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d %s", rec.Code, rec.Body.String())
	}
	if errorCode(t, rec) != "OUT_OF_STOCK" {
		t.Fatalf("code = %q", errorCode(t, rec))
	}
}

func TestNumberIsolationAcrossUsers(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 5)
	owner, _ := h.register(t, "owner@example.com", "hunter2hunter2")
	h.topup(t, owner, 1000, "fund")
	numberID := h.purchase(t, owner)

	intruder, _ := h.register(t, "intruder@example.com", "hunter2hunter2")
	rec := h.do(t, http.MethodGet, "/numbers/"+numberID, intruder, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign number: %d", rec.Code)
	}

	rec = h.do(t, http.MethodGet, "/sms/"+numberID, intruder, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign sms: %d", rec.Code)
	}
}

func TestCancelRefunds(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 5)
	token, _ := h.register(t, "refund@example.com", "hunter2hunter2")
	h.topup(t, token, 1000, "fund")
	numberID := h.purchase(t, token)

	rec := h.do(t, http.MethodPost, "/numbers/"+numberID+"/cancel", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		RefundAmount int64 `json:"refundAmount"`
	}
	decodeBody(t, rec, &resp)
	if resp.RefundAmount != 100 {
		t.Fatalf("refund = %d", resp.RefundAmount)
	}

	var bal struct {
		Balance int64 `json:"balance"`
	}
	rec = h.do(t, http.MethodGet, "/wallet/balance", token, nil)
	decodeBody(t, rec, &bal)
	if bal.Balance != 1000 {
		t.Fatalf("balance after refund = %d", bal.Balance)
	}
}

func TestMessagesListing(t *testing.T) {
	h := newHarness(t)
	h.seedCatalogue(t, 5)
	token, _ := h.register(t, "inbox@example.com", "hunter2hunter2")
	h.topup(t, token, 1000, "fund")
	numberID := h.purchase(t, token)

	now := time.Now().UTC()
	if _, err := h.store.InsertMessages(context.Background(), []number.SmsMessage{
		{
			ID:         numberID + "_m1",
			NumberID:   numberID,
			Sender:     "Telegram",
			Content:    "Your code is 12345",
			Code:       "12345",
			Confidence: 0.9,
			ReceivedAt: now,
		},
	}); err != nil {
		t.Fatalf("insert messages: %v", err)
	}

	rec := h.do(t, http.MethodGet, "/sms/"+numberID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sms: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Status   string `json:"status"`
		Messages []struct {
			Sender  string `json:"sender"`
			Content string `json:"content"`
			Code    string `json:"code"`
		} `json:"messages"`
	}
	decodeBody(t, rec, &resp)
	if resp.Status != "active" {
		t.Fatalf("status = %q", resp.Status)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].Code != "12345" {
		t.Fatalf("messages = %+v", resp.Messages)
	}
}
