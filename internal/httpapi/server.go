// Package httpapi exposes the credit engine over HTTP: customer checkout
// endpoints behind a TAuth session, operator endpoints and host webhooks
// behind a shared admin token.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storecredits/internal/admin"
	"github.com/MarkoPoloResearchLab/storecredits/internal/antiforgery"
	"github.com/MarkoPoloResearchLab/storecredits/internal/app"
	"github.com/MarkoPoloResearchLab/storecredits/internal/commerce"
	"github.com/MarkoPoloResearchLab/storecredits/internal/events"
	"github.com/MarkoPoloResearchLab/storecredits/internal/gateway"
	"github.com/MarkoPoloResearchLab/storecredits/internal/partial"
	"github.com/MarkoPoloResearchLab/storecredits/internal/registration"
	"github.com/MarkoPoloResearchLab/storecredits/internal/settings"
	"github.com/MarkoPoloResearchLab/storecredits/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	adminTokenHeader = "X-Admin-Token"
)

// Run boots the HTTP server and shuts it down when ctx is done.
func Run(ctx context.Context, cfg Config, application *app.App, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           NewRouter(cfg, application, sessionValidator, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine. cfg must already be validated.
func NewRouter(cfg Config, application *app.App, validator *sessionvalidator.Validator, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, app: application, timeout: cfg.RequestTimeout}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("/credits", handler.handleCredits)
	api.GET("/checkout/:cartID/partial", handler.handleRenderPartial)
	api.POST("/checkout/:cartID/partial", handler.handleCreatePartial)
	api.DELETE("/checkout/:cartID/partial", handler.handleRemovePartial)
	api.GET("/checkout/:cartID/payment-methods/store-credits", handler.handleAvailability)
	api.POST("/orders/:orderID/store-credits/pay", handler.handlePay)

	adminGroup := router.Group("/admin")
	adminGroup.Use(requireAdminToken(cfg.AdminToken))
	adminGroup.GET("/settings", handler.handleGetSettings)
	adminGroup.PUT("/settings", handler.handlePutSettings)
	adminGroup.POST("/credits/reset-all", handler.handleResetAll)
	adminGroup.POST("/credits/reset-user", handler.handleResetUser)
	adminGroup.POST("/credits/simulate", handler.handleSimulate)
	adminGroup.PUT("/users/:userID/anniversary", handler.handleSetAnniversary)
	adminGroup.POST("/tick", handler.handleTick)

	hooks := router.Group("/hooks")
	hooks.Use(requireAdminToken(cfg.AdminToken))
	hooks.POST("/registrations/validate", handler.handleValidateRegistration)
	hooks.POST("/events", handler.handleEvent)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	app     *app.App
	timeout time.Duration
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.timeout)
}

func (handler *httpHandler) handleCredits(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.app.Credits.Account(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{
		UserID:          userID.String(),
		Balance:         account.Balance.String(),
		AnniversaryDate: account.AnniversaryDate.String(),
		LastResetOn:     account.LastResetOn.String(),
	})
}

func (handler *httpHandler) handleRenderPartial(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	state := handler.app.Partial.Render(requestCtx, userID, ctx.Param("cartID"))
	payload := renderPayload{
		Mode:        string(state.Mode),
		ActiveCode:  state.ActiveCode,
		Disclaimer:  state.Disclaimer,
		CreateToken: state.CreateToken,
		RemoveToken: state.RemoveToken,
	}
	if state.Mode != partial.RenderNone {
		payload.Balance = state.Balance.String()
		payload.Held = state.Held.String()
		payload.CartTotal = state.CartTotal.String()
	}
	if state.Mode == partial.RenderCreate {
		payload.Amount = state.Amount.String()
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleCreatePartial(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request tokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.app.Partial.Create(requestCtx, partial.CreateRequest{
		UserID: userID,
		CartID: ctx.Param("cartID"),
		Token:  request.Token,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	ctx.JSON(status, couponPayload{
		Code:    result.Coupon.Code,
		Amount:  result.Coupon.Amount.String(),
		Created: result.Created,
	})
}

func (handler *httpHandler) handleRemovePartial(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request tokenRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.app.Partial.Remove(requestCtx, partial.RemoveRequest{
		UserID: userID,
		CartID: ctx.Param("cartID"),
		Code:   request.Code,
		Token:  request.Token,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"code":    result.Code,
		"removed": result.Removed,
		"event":   result.Event,
	})
}

func (handler *httpHandler) handleAvailability(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	availability := handler.app.Gateway.Availability(requestCtx, userID, ctx.Param("cartID"))
	ctx.JSON(http.StatusOK, gin.H{
		"payment_method": gateway.PaymentMethodID,
		"available":      availability.Available,
		"reason":         string(availability.Reason),
		"balance":        availability.Balance.String(),
		"held":           availability.Held.String(),
		"cart_total":     availability.CartTotal.String(),
	})
}

func (handler *httpHandler) handlePay(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.app.Gateway.Pay(requestCtx, gateway.PayRequest{UserID: userID, OrderID: ctx.Param("orderID")})
	if err != nil {
		status, code := statusForError(err)
		if status == http.StatusInternalServerError {
			handler.logger.Error("store credit payment failed",
				zap.String("order_id", ctx.Param("orderID")),
				zap.String("error_code", ledger.ErrorCode(err)),
				zap.Error(err))
		}
		ctx.JSON(status, errorResponse(code, gateway.UserMessage(err)))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"order_id":     result.OrderID,
		"amount":       result.Amount.String(),
		"balance":      result.Balance.String(),
		"already_paid": result.AlreadyPaid,
	})
}

func (handler *httpHandler) handleGetSettings(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	snapshot, err := handler.app.Settings.Load(requestCtx)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"settings": snapshot.Values()})
}

func (handler *httpHandler) handlePutSettings(ctx *gin.Context) {
	var changes map[string]string
	if err := ctx.ShouldBindJSON(&changes); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected a JSON object of string values"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	snapshot, err := handler.app.Settings.Apply(requestCtx, changes)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.logger.Info("settings updated", zap.Int("keys", len(changes)))
	ctx.JSON(http.StatusOK, gin.H{"settings": snapshot.Values()})
}

func (handler *httpHandler) handleResetAll(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.app.Admin.ResetAll(requestCtx)
	payload := gin.H{
		"amount": report.Amount.String(),
		"reset":  report.Reset,
		"failed": report.Failed,
	}
	if err != nil {
		handler.logger.Warn("bulk reset incomplete", zap.Error(err))
		payload["error"] = gin.H{"code": "reset_incomplete", "message": err.Error()}
		ctx.JSON(http.StatusInternalServerError, payload)
		return
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleResetUser(ctx *gin.Context) {
	var request identifierRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.app.Admin.ResetUser(requestCtx, request.Identifier)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":  result.User.ID.String(),
		"previous": result.Previous.String(),
		"balance":  result.Balance.String(),
	})
}

func (handler *httpHandler) handleSimulate(ctx *gin.Context) {
	var request identifierRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	simulation, err := handler.app.Admin.Simulate(requestCtx, request.Identifier)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":   simulation.User.ID.String(),
		"current":   simulation.Current.String(),
		"projected": simulation.Projected.String(),
	})
}

func (handler *httpHandler) handleSetAnniversary(ctx *gin.Context) {
	var request anniversaryRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	date, err := ledger.ParseDate(request.Date)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.app.Admin.SetAnniversary(requestCtx, ctx.Param("userID"), date)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, accountPayload{
		UserID:          account.UserID.String(),
		Balance:         account.Balance.String(),
		AnniversaryDate: account.AnniversaryDate.String(),
		LastResetOn:     account.LastResetOn.String(),
	})
}

func (handler *httpHandler) handleTick(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.app.Scheduler.Tick(requestCtx)
	payload := gin.H{
		"today":       report.Today.String(),
		"method":      report.Method.String(),
		"matched":     report.Matched,
		"reset":       report.Reset,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
		"reaped":      report.Reaped.Deleted,
		"reap_failed": report.Reaped.Failed,
	}
	if err != nil {
		handler.logger.Warn("manual tick incomplete", zap.Error(err))
		payload["error"] = gin.H{"code": "tick_incomplete", "message": err.Error()}
		ctx.JSON(http.StatusInternalServerError, payload)
		return
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleValidateRegistration(ctx *gin.Context) {
	var request emailRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.app.Registration.ValidateEmail(requestCtx, request.Email); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"allowed": true})
}

func (handler *httpHandler) handleEvent(ctx *gin.Context) {
	var request eventRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	eventType, err := events.ParseType(request.Type)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	event := events.Event{Type: eventType, OrderID: strings.TrimSpace(request.OrderID), OccurredAt: time.Now().UTC()}
	if strings.TrimSpace(request.UserID) != "" {
		event.UserID, err = ledger.NewUserID(request.UserID)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.app.Events.Dispatch(requestCtx, event); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"status": "processed", "type": string(eventType)})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("request failed",
			zap.String("path", ctx.FullPath()),
			zap.String("error_code", ledger.ErrorCode(err)),
			zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidUserID), errors.Is(err, gateway.ErrNotAuthenticated):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, antiforgery.ErrInvalidToken):
		return http.StatusForbidden, "invalid_token"
	case errors.Is(err, partial.ErrCartNotOwned), errors.Is(err, gateway.ErrOrderNotOwned):
		return http.StatusForbidden, "not_owned"
	case errors.Is(err, registration.ErrEmailDomainNotAllowed):
		return http.StatusForbidden, "domain_not_allowed"
	case errors.Is(err, gateway.ErrGatewayDisabled):
		return http.StatusForbidden, "disabled"
	case errors.Is(err, commerce.ErrUserNotFound), errors.Is(err, commerce.ErrCartNotFound),
		errors.Is(err, commerce.ErrOrderNotFound), errors.Is(err, commerce.ErrCouponNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, partial.ErrNotEligible):
		return http.StatusConflict, "not_eligible"
	case errors.Is(err, gateway.ErrCreditCouponApplied):
		return http.StatusConflict, "credit_coupon_applied"
	case errors.Is(err, settings.ErrInvalidSetting), errors.Is(err, settings.ErrUnknownSetting),
		errors.Is(err, ledger.ErrInvalidDate), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, registration.ErrInvalidEmail), errors.Is(err, partial.ErrNotCreditCoupon),
		errors.Is(err, admin.ErrMissingIdentifier),
		errors.Is(err, events.ErrUnknownEvent), errors.Is(err, events.ErrInvalidEvent):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func requireAdminToken(expected string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader(adminTokenHeader)
		if expected == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid admin token"))
			return
		}
		ctx.Next()
	}
}

func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type tokenRequest struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

type anniversaryRequest struct {
	Date string `json:"date"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type eventRequest struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	OrderID string `json:"order_id"`
}

type accountPayload struct {
	UserID          string `json:"user_id"`
	Balance         string `json:"balance"`
	AnniversaryDate string `json:"anniversary_date,omitempty"`
	LastResetOn     string `json:"last_reset_on,omitempty"`
}

type renderPayload struct {
	Mode        string `json:"mode"`
	Balance     string `json:"balance,omitempty"`
	Held        string `json:"held,omitempty"`
	CartTotal   string `json:"cart_total,omitempty"`
	Amount      string `json:"amount,omitempty"`
	ActiveCode  string `json:"active_code,omitempty"`
	Disclaimer  string `json:"disclaimer,omitempty"`
	CreateToken string `json:"create_token,omitempty"`
	RemoveToken string `json:"remove_token,omitempty"`
}

type couponPayload struct {
	Code    string `json:"code"`
	Amount  string `json:"amount"`
	Created bool   `json:"created"`
}
