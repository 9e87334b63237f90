package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xtrntr/escrow/internal/escrow"
	"github.com/xtrntr/escrow/internal/models"
)

// Linked payments arrive already verified by the host, so bundled operations
// are committed in the same request. A failed commit leaves nothing applied.
func (h *Handler) commit(w http.ResponseWriter, r *http.Request, p *escrow.Pending, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	receipt, err := p.Complete(r.Context(), nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) respond(w http.ResponseWriter, receipt *escrow.Receipt, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func caller(r *http.Request) models.AccountID {
	id, _ := CallerFrom(r.Context())
	return id
}

func orderRef(r *http.Request) escrow.OrderRef {
	return escrow.OrderRef{
		Buyer:   models.AccountID(chi.URLParam(r, "buyer")),
		OrderID: chi.URLParam(r, "orderID"),
	}
}

type paymentsRequest struct {
	Token    models.TokenID   `json:"token"`
	Payments []models.Payment `json:"payments"`
}

type amountRequest struct {
	Token  models.TokenID `json:"token"`
	Amount uint64         `json:"amount"`
}

func (h *Handler) OptIn(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Dispatcher.OptIn(r.Context(), caller(r))
	h.respond(w, receipt, err)
}

func (h *Handler) CloseOut(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Dispatcher.CloseOut(r.Context(), caller(r))
	h.respond(w, receipt, err)
}

func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	var req paymentsRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Dispatcher.Setup(r.Context(), caller(r), req.Token, req.Payments)
	h.commit(w, r, p, err)
}

func (h *Handler) SetOracle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Oracle models.AccountID `json:"oracle"`
	}
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Dispatcher.SetOracle(r.Context(), caller(r), req.Oracle)
	h.respond(w, receipt, err)
}

func (h *Handler) UpdateFees(w http.ResponseWriter, r *http.Request) {
	var fees models.Fees
	if !decode(w, r, &fees) {
		return
	}
	receipt, err := h.Dispatcher.UpdateFees(r.Context(), caller(r), fees)
	h.respond(w, receipt, err)
}

func (h *Handler) BecomeSeller(w http.ResponseWriter, r *http.Request) {
	var req paymentsRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Dispatcher.BecomeSeller(r.Context(), caller(r), req.Payments)
	h.commit(w, r, p, err)
}

func (h *Handler) BecomePremium(w http.ResponseWriter, r *http.Request) {
	var req paymentsRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Dispatcher.BecomePremium(r.Context(), caller(r), req.Payments)
	h.commit(w, r, p, err)
}

// PlaceOrder escrows a buyer deposit backed by an asset transfer
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req paymentsRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.Dispatcher.PlaceOrder(r.Context(), caller(r), req.Token, req.Payments)
	h.commit(w, r, p, err)
}

func (h *Handler) RequestOrderAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string           `json:"action"`
		Payments []models.Payment `json:"payments"`
	}
	if !decode(w, r, &req) {
		return
	}
	action, err := escrow.ParseOrderAction(req.Action)
	if err != nil {
		h.writeError(w, err)
		return
	}
	p, err := h.Dispatcher.RequestOrderAction(r.Context(), caller(r), action, orderRef(r), req.Payments)
	h.commit(w, r, p, err)
}

// SettleOrder is the oracle callback that records an order for a buyer
func (h *Handler) SettleOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order   models.Order `json:"order"`
		Deposit uint64       `json:"deposit"`
	}
	if !decode(w, r, &req) {
		return
	}
	buyer := models.AccountID(chi.URLParam(r, "buyer"))
	receipt, err := h.Dispatcher.OracleSettleOrder(r.Context(), caller(r), buyer, req.Order, req.Deposit)
	h.respond(w, receipt, err)
}

func (h *Handler) TakeOrder(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Dispatcher.TakeOrder(r.Context(), caller(r), orderRef(r))
	h.respond(w, receipt, err)
}

func (h *Handler) RejectOrder(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Dispatcher.SellerRejectOrder(r.Context(), caller(r), orderRef(r))
	h.respond(w, receipt, err)
}

func (h *Handler) PopOrder(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.Dispatcher.OraclePopOrder(r.Context(), caller(r), orderRef(r))
	h.respond(w, receipt, err)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var args escrow.CancelArgs
	if !decode(w, r, &args) {
		return
	}
	receipt, err := h.Dispatcher.OracleCancelOrder(r.Context(), caller(r), args)
	h.respond(w, receipt, err)
}

func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	var args escrow.SettleArgs
	if !decode(w, r, &args) {
		return
	}
	receipt, err := h.Dispatcher.OracleTakeOrder(r.Context(), caller(r), args)
	h.respond(w, receipt, err)
}

func (h *Handler) SellerWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Dispatcher.SellerWithdraw(r.Context(), caller(r), req.Token, req.Amount)
	h.respond(w, receipt, err)
}

func (h *Handler) BuyerWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Dispatcher.BuyerWithdraw(r.Context(), caller(r), req.Token, req.Amount)
	h.respond(w, receipt, err)
}

func (h *Handler) WithdrawEarning(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := h.Dispatcher.WithdrawEarning(r.Context(), caller(r), req.Token, req.Amount)
	h.respond(w, receipt, err)
}
