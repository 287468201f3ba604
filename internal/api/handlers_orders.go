package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Sankofa-Bloom/diginum-mobile-codes-africa-sub000/internal/domain"
)

func orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID format")
		return uuid.Nil, false
	}
	return orderID, true
}

// NumberPrice quotes ?country_id=&service_id= in USD cents.
func (h *Handlers) NumberPrice(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	countryID := strings.TrimSpace(r.URL.Query().Get("country_id"))
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	if countryID == "" || serviceID == "" {
		writeError(w, http.StatusBadRequest, "country_id and service_id are required")
		return
	}
	price, err := h.orders.Quote(r.Context(), countryID, serviceID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"country_id": countryID,
		"service_id": serviceID,
		"price":      price,
		"currency":   domain.WalletCurrency,
	})
}

func (h *Handlers) GenerateNumber(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req domain.CreateOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), userID, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *Handlers) NumberStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.orders.CheckStatus(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) ExtendNumber(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.orders.Extend(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) VerificationCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	result, err := h.orders.FetchVerificationCode(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) RequestAnotherCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.RequestAnotherCode(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, order)
}

func (h *Handlers) CancelNumber(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, balance, err := h.orders.Cancel(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"order": order, "balance": balance})
}
