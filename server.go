package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/masaref/treasury_backend/config"
	"github.com/masaref/treasury_backend/models"
	"github.com/masaref/treasury_backend/utils"
	"github.com/masaref/treasury_backend/workflow"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("treasury-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// errorStatus maps the ledger failure taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, utils.ErrorInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, utils.ErrorReferentialIntegrity),
		errors.Is(err, utils.ErrorInvalidState),
		errors.Is(err, utils.ErrorAlreadyReconciled):
		return http.StatusConflict
	case errors.Is(err, utils.ErrorInsufficientBalance):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func abortWithBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
}

// businessContextMiddleware resolves the tenant for the request. Upstream
// auth has already verified the caller; here we only carry the id into ctx.
func businessContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId := strings.TrimSpace(c.GetHeader("X-Business-Id"))
		if businessId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "X-Business-Id header is required"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if userName := strings.TrimSpace(c.GetHeader("X-User-Name")); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func paramId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string) *int {
	if v := c.Query(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return &n
		}
	}
	return nil
}

func queryString(c *gin.Context, name string) *string {
	if v := c.Query(name); v != "" {
		return &v
	}
	return nil
}

func queryBool(c *gin.Context, name string) *bool {
	if v := c.Query(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}

func queryDate(c *gin.Context, name string) *time.Time {
	if v := c.Query(name); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return &t
		}
	}
	return nil
}

type toggleActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func registerSubUnitRoutes(api *gin.RouterGroup) {
	api.POST("/sub-units", func(c *gin.Context) {
		var input models.NewSubUnit
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.CreateSubUnit(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.GET("/sub-units", func(c *gin.Context) {
		results, err := models.GetSubUnits(c.Request.Context(), queryString(c, "name"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/sub-units/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetSubUnit(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.PUT("/sub-units/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var input models.NewSubUnit
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.UpdateSubUnit(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.DELETE("/sub-units/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.DeleteSubUnit(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.PATCH("/sub-units/:id/active", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.ToggleActiveSubUnit(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/sub-units/:id/reconcile", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		proposals, err := workflow.AutoReconcile(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, proposals)
	})
	api.GET("/sub-units/:id/unreconciled-vouchers", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		cfg := workflow.LoadReconcileConfig()
		results, err := models.GetReconcilableVouchers(c.Request.Context(), id, cfg.RematchRejected)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
}

func registerIntermediaryAccountRoutes(api *gin.RouterGroup) {
	api.POST("/intermediary-accounts", func(c *gin.Context) {
		var input models.NewIntermediaryAccount
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.CreateIntermediaryAccount(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.GET("/intermediary-accounts", func(c *gin.Context) {
		results, err := models.GetIntermediaryAccounts(c.Request.Context(), queryString(c, "name"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.PUT("/intermediary-accounts/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var input models.NewIntermediaryAccount
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.UpdateIntermediaryAccount(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.DELETE("/intermediary-accounts/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.DeleteIntermediaryAccount(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.PATCH("/intermediary-accounts/:id/active", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.ToggleActiveIntermediaryAccount(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func registerTreasuryRoutes(api *gin.RouterGroup) {
	api.POST("/treasuries", func(c *gin.Context) {
		var input models.NewTreasury
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.CreateTreasury(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.GET("/treasuries", func(c *gin.Context) {
		var treasuryType *models.TreasuryType
		if v := c.Query("type"); v != "" {
			t := models.TreasuryType(v)
			treasuryType = &t
		}
		results, err := models.GetTreasuries(c.Request.Context(), queryInt(c, "sub_unit_id"), treasuryType, queryString(c, "name"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/treasuries/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetTreasury(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.PUT("/treasuries/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var input models.NewTreasury
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.UpdateTreasury(c.Request.Context(), id, &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.DELETE("/treasuries/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.DeleteTreasury(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.PATCH("/treasuries/:id/active", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		var req toggleActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.ToggleActiveTreasury(c.Request.Context(), id, *req.IsActive)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.GET("/treasuries/:id/statement", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetTreasuryStatement(c.Request.Context(), id, queryDate(c, "from_date"), queryDate(c, "to_date"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.GET("/treasuries/:id/movements", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		results, err := models.GetTreasuryMovements(c.Request.Context(), id, queryDate(c, "from_date"), queryDate(c, "to_date"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/treasury-stats", func(c *gin.Context) {
		results, err := models.GetTreasuryStats(c.Request.Context(), queryInt(c, "sub_unit_id"), queryDate(c, "from_date"), queryDate(c, "to_date"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
}

func registerVoucherRoutes(api *gin.RouterGroup) {
	api.POST("/vouchers", func(c *gin.Context) {
		var input models.NewVoucher
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.CreateVoucher(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.GET("/vouchers", func(c *gin.Context) {
		filter := models.VoucherFilter{
			SubUnitId:    queryInt(c, "sub_unit_id"),
			TreasuryId:   queryInt(c, "treasury_id"),
			IsReconciled: queryBool(c, "is_reconciled"),
			FromDate:     queryDate(c, "from_date"),
			ToDate:       queryDate(c, "to_date"),
		}
		if v := c.Query("kind"); v != "" {
			kind := models.VoucherKind(v)
			filter.Kind = &kind
		}
		if v := c.Query("status"); v != "" {
			status := models.VoucherStatus(v)
			filter.Status = &status
		}
		results, err := models.GetVouchers(c.Request.Context(), &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/vouchers/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetVoucher(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/vouchers/:id/confirm", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.ConfirmVoucher(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/vouchers/:id/cancel", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.CancelVoucher(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func registerTransferRoutes(api *gin.RouterGroup) {
	api.POST("/transfers", func(c *gin.Context) {
		var input models.NewTransfer
		if err := c.ShouldBindJSON(&input); err != nil {
			abortWithBindError(c, err)
			return
		}
		result, err := models.CreateTransfer(c.Request.Context(), &input)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, result)
	})
	api.GET("/transfers", func(c *gin.Context) {
		filter := models.TransferFilter{
			SubUnitId:  queryInt(c, "sub_unit_id"),
			TreasuryId: queryInt(c, "treasury_id"),
			FromDate:   queryDate(c, "from_date"),
			ToDate:     queryDate(c, "to_date"),
		}
		results, err := models.GetTransfers(c.Request.Context(), &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/transfers/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetTransfer(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

func registerReconciliationRoutes(api *gin.RouterGroup) {
	api.GET("/reconciliations", func(c *gin.Context) {
		filter := models.ReconciliationFilter{
			SubUnitId:             queryInt(c, "sub_unit_id"),
			IntermediaryAccountId: queryInt(c, "intermediary_account_id"),
		}
		if v := c.Query("status"); v != "" {
			status := models.ReconciliationStatus(v)
			filter.Status = &status
		}
		results, err := models.GetReconciliations(c.Request.Context(), &filter)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	})
	api.GET("/reconciliations/:id", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.GetReconciliation(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/reconciliations/:id/confirm", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.ConfirmReconciliation(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
	api.POST("/reconciliations/:id/reject", func(c *gin.Context) {
		id, ok := paramId(c)
		if !ok {
			return
		}
		result, err := models.RejectReconciliation(c.Request.Context(), id)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// /healthz bypasses auth so the orchestrator can poll it.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "X-Business-Id", "X-User-Name")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api := r.Group("/api", businessContextMiddleware())
	registerSubUnitRoutes(api)
	registerIntermediaryAccountRoutes(api)
	registerTreasuryRoutes(api)
	registerVoucherRoutes(api)
	registerTransferRoutes(api)
	registerReconciliationRoutes(api)

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately; the orchestrator only needs the port open.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port, "/api")
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
