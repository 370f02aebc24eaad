// Package handler содержит HTTP-обработчики API депозитной кассы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/deposit-system/internal/middleware"
	"github.com/mmeshcher/deposit-system/internal/model"
	"github.com/mmeshcher/deposit-system/internal/repository"
	"github.com/mmeshcher/deposit-system/internal/service"
	"github.com/mmeshcher/deposit-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	CreateOrder(ctx context.Context, in *service.OrderInput, actorID int64) (*model.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*model.Order, error)
	ListOrders(ctx context.Context, status *model.OrderStatus) ([]model.Order, error)
	RecordPayment(ctx context.Context, orderID int64, in *service.PaymentInput, actorID int64) (*model.Order, error)
	UpdateItemCost(ctx context.Context, orderID, itemID int64, cost float64, category, description *string) error
	CompleteOrder(ctx context.Context, orderID int64) (*model.Sale, []string, error)
	VoidOrder(ctx context.Context, orderID int64, reason *string) (float64, error)
	CancelOrder(ctx context.Context, orderID int64, reason *string) (float64, error)
	GetSale(ctx context.Context, saleID int64) (*model.Sale, error)
	ListProducts(ctx context.Context) ([]model.ProductAvailability, error)
	GetAvailability(ctx context.Context, productID int64) (*model.ProductAvailability, error)
	AdjustStock(ctx context.Context, productID, delta int64, reason string) error
}

// Handler реализует HTTP-обработчики API депозитной кассы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type itemRequest struct {
	ProductID   *int64  `json:"product_id,omitempty"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost,omitempty"`
	IsCustom    bool    `json:"is_custom,omitempty"`
}

type partExchangeRequest struct {
	Description string  `json:"description"`
	Allowance   float64 `json:"allowance"`
}

type paymentRequest struct {
	Amount float64 `json:"amount"`
	Method string  `json:"method"`
}

type createOrderRequest struct {
	CustomerRef    *string               `json:"customer_ref,omitempty"`
	ExpectedPickup *time.Time            `json:"expected_pickup,omitempty"`
	Items          []itemRequest         `json:"items"`
	PartExchanges  []partExchangeRequest `json:"part_exchanges,omitempty"`
	InitialPayment *paymentRequest       `json:"initial_payment,omitempty"`
}

type itemResponse struct {
	ID          int64   `json:"id"`
	ProductID   *int64  `json:"product_id,omitempty"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost"`
	IsCustom    bool    `json:"is_custom"`
}

type partExchangeResponse struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	Allowance   float64 `json:"allowance"`
}

type paymentResponse struct {
	ID         int64   `json:"id"`
	Amount     float64 `json:"amount"`
	Method     string  `json:"method"`
	ReceivedAt string  `json:"received_at"`
	ReceivedBy int64   `json:"received_by"`
}

type orderResponse struct {
	ID                int64                  `json:"id"`
	Status            string                 `json:"status"`
	CustomerRef       *string                `json:"customer_ref,omitempty"`
	Total             float64                `json:"total"`
	PartExchangeTotal float64                `json:"part_exchange_total"`
	AmountPaid        float64                `json:"amount_paid"`
	BalanceDue        float64                `json:"balance_due"`
	ExpectedPickup    *string                `json:"expected_pickup,omitempty"`
	CreatedAt         string                 `json:"created_at"`
	CompletedAt       *string                `json:"completed_at,omitempty"`
	TerminalReason    *string                `json:"terminal_reason,omitempty"`
	Items             []itemResponse         `json:"items,omitempty"`
	PartExchanges     []partExchangeResponse `json:"part_exchanges,omitempty"`
	Payments          []paymentResponse      `json:"payments,omitempty"`
}

func toOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:                o.ID,
		Status:            string(o.Status),
		CustomerRef:       o.CustomerRef,
		Total:             float64(o.TotalCents) / 100,
		PartExchangeTotal: float64(o.PartExchangeCents) / 100,
		AmountPaid:        float64(o.PaidCents) / 100,
		BalanceDue:        float64(o.BalanceDueCents()) / 100,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
		TerminalReason:    o.TerminalReason,
	}

	if o.ExpectedPickup != nil {
		v := o.ExpectedPickup.Format(time.RFC3339)
		resp.ExpectedPickup = &v
	}
	if o.CompletedAt != nil {
		v := o.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}

	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   float64(it.UnitPriceCents) / 100,
			UnitCost:    float64(it.UnitCostCents) / 100,
			IsCustom:    it.IsCustom,
		})
	}

	for _, pe := range o.PartExchanges {
		resp.PartExchanges = append(resp.PartExchanges, partExchangeResponse{
			ID:          pe.ID,
			Description: pe.Description,
			Allowance:   float64(pe.AllowanceCents) / 100,
		})
	}

	for _, p := range o.Payments {
		resp.Payments = append(resp.Payments, paymentResponse{
			ID:         p.ID,
			Amount:     float64(p.AmountCents) / 100,
			Method:     string(p.Method),
			ReceivedAt: p.ReceivedAt.Format(time.RFC3339),
			ReceivedBy: p.ReceivedBy,
		})
	}

	return resp
}

type saleItemResponse struct {
	ID          int64   `json:"id"`
	ProductID   *int64  `json:"product_id,omitempty"`
	ProductName string  `json:"product_name"`
	Quantity    int64   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost"`
	Tax         float64 `json:"tax"`
}

type saleResponse struct {
	ID            int64              `json:"id"`
	SourceOrderID int64              `json:"source_order_id"`
	Subtotal      float64            `json:"subtotal"`
	TaxTotal      float64            `json:"tax_total"`
	Total         float64            `json:"total"`
	SoldAt        string             `json:"sold_at"`
	Items         []saleItemResponse `json:"items"`
	Warnings      []string           `json:"warnings,omitempty"`
}

func toSaleResponse(s *model.Sale, warnings []string) saleResponse {
	resp := saleResponse{
		ID:            s.ID,
		SourceOrderID: s.SourceOrderID,
		Subtotal:      float64(s.SubtotalCents) / 100,
		TaxTotal:      float64(s.TaxCents) / 100,
		Total:         float64(s.TotalCents) / 100,
		SoldAt:        s.SoldAt.Format(time.RFC3339),
		Warnings:      warnings,
	}

	for _, it := range s.Items {
		resp.Items = append(resp.Items, saleItemResponse{
			ID:          it.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   float64(it.UnitPriceCents) / 100,
			UnitCost:    float64(it.UnitCostCents) / 100,
			Tax:         float64(it.TaxCents) / 100,
		})
	}

	return resp
}

type shortfallResponse struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int64  `json:"requested"`
	Available   int64  `json:"available"`
}

type errorResponse struct {
	Error      string              `json:"error"`
	Shortfalls []shortfallResponse `json:"shortfalls,omitempty"`
}

// writeError переводит доменные ошибки в HTTP-статусы. Нехватка остатков
// отдаётся с перечнем проблемных позиций, чтобы кассир мог сразу исправить
// заказ.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *repository.InsufficientStockError
	if errors.As(err, &stockErr) {
		resp := errorResponse{Error: stockErr.Error()}
		for _, s := range stockErr.Shortfalls {
			resp.Shortfalls = append(resp.Shortfalls, shortfallResponse{
				ProductID:   s.ProductID,
				ProductName: s.ProductName,
				Requested:   s.Requested,
				Available:   s.Available,
			})
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	var valErr *validation.Error
	if errors.As(err, &valErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: valErr.Error()})
		return
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrItemNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrInvalidState),
		errors.Is(err, repository.ErrBalanceOutstanding),
		errors.Is(err, repository.ErrStockBelowZero):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotCustomItem):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrOverpayment):
		writeJSON(w, http.StatusPaymentRequired, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrContention):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("internal error", zap.Error(err), zap.String("uri", r.RequestURI))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// CreateOrder создаёт депозитный заказ с резервированием остатков.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := &service.OrderInput{
		CustomerRef:    req.CustomerRef,
		ExpectedPickup: req.ExpectedPickup,
	}
	for _, it := range req.Items {
		in.Items = append(in.Items, service.ItemInput{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			UnitCost:    it.UnitCost,
			IsCustom:    it.IsCustom,
		})
	}
	for _, pe := range req.PartExchanges {
		in.PartExchanges = append(in.PartExchanges, service.PartExchangeInput{
			Description: pe.Description,
			Allowance:   pe.Allowance,
		})
	}
	if req.InitialPayment != nil {
		in.InitialPayment = &service.PaymentInput{
			Amount: req.InitialPayment.Amount,
			Method: req.InitialPayment.Method,
		}
	}

	order, err := h.service.CreateOrder(r.Context(), in, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

// GetOrder возвращает заказ с дочерними записями.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// ListOrders возвращает заголовки заказов, опционально по статусу.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	var status *model.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := model.OrderStatus(raw)
		switch st {
		case model.OrderStatusActive, model.OrderStatusCompleted, model.OrderStatusCancelled,
			model.OrderStatusVoided, model.OrderStatusExpired:
			status = &st
		default:
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	orders, err := h.service.ListOrders(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, toOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

// RecordPayment добавляет платёж к активному заказу.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorID(w, r)
	if !ok {
		return
	}

	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}

	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	order, err := h.service.RecordPayment(r.Context(), orderID, &service.PaymentInput{
		Amount: req.Amount,
		Method: req.Method,
	}, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type itemCostRequest struct {
	UnitCost    float64 `json:"unit_cost"`
	Category    *string `json:"category,omitempty"`
	Description *string `json:"description,omitempty"`
}

// UpdateItemCost проставляет себестоимость строки под заказ.
func (h *Handler) UpdateItemCost(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}

	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}

	var req itemCostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateItemCost(r.Context(), orderID, itemID, req.UnitCost, req.Category, req.Description); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CompleteOrder завершает полностью оплаченный заказ и возвращает продажу.
func (h *Handler) CompleteOrder(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}

	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}

	sale, warnings, err := h.service.CompleteOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSaleResponse(sale, warnings))
}

type terminateRequest struct {
	Reason *string `json:"reason,omitempty"`
}

type refundResponse struct {
	Refund float64 `json:"refund"`
}

// VoidOrder аннулирует активный заказ и возвращает сумму к возврату.
func (h *Handler) VoidOrder(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.VoidOrder)
}

// CancelOrder отменяет активный заказ без полученных платежей.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.terminate(w, r, h.service.CancelOrder)
}

func (h *Handler) terminate(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, orderID int64, reason *string) (float64, error)) {
	if _, ok := actorID(w, r); !ok {
		return
	}

	orderID, ok := pathID(w, r, "orderID")
	if !ok {
		return
	}

	var req terminateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	refund, err := fn(r.Context(), orderID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, refundResponse{Refund: refund})
}

// GetSale возвращает продажу со строками.
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	saleID, ok := pathID(w, r, "saleID")
	if !ok {
		return
	}

	sale, err := h.service.GetSale(r.Context(), saleID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toSaleResponse(sale, nil))
}

type productResponse struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	TrackStock  bool    `json:"track_stock"`
	OnHand      int64   `json:"on_hand"`
	Reserved    int64   `json:"reserved"`
	Available   int64   `json:"available"`
	Consignment bool    `json:"consignment"`
}

// ListProducts возвращает каталог с остатками и резервами.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListProducts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(products) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for _, p := range products {
		resp = append(resp, productResponse{
			ID:          p.ID,
			Name:        p.Name,
			Price:       float64(p.PriceCents) / 100,
			TrackStock:  p.TrackStock,
			OnHand:      p.OnHand,
			Reserved:    p.ReservedQty,
			Available:   p.AvailableQty,
			Consignment: p.IsConsignment,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает одну позицию каталога с остатком и резервом.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}

	p, err := h.service.GetAvailability(r.Context(), productID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Price:       float64(p.PriceCents) / 100,
		TrackStock:  p.TrackStock,
		OnHand:      p.OnHand,
		Reserved:    p.ReservedQty,
		Available:   p.AvailableQty,
		Consignment: p.IsConsignment,
	})
}

type adjustStockRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

// AdjustStock корректирует остаток позиции каталога.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	if _, ok := actorID(w, r); !ok {
		return
	}

	productID, ok := pathID(w, r, "productID")
	if !ok {
		return
	}

	var req adjustStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.AdjustStock(r.Context(), productID, req.Delta, req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Ping проверяет готовность сервиса.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("ping error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
