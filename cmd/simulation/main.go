package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/craftmarket/escrow-api/internal/auth"
	"github.com/craftmarket/escrow-api/internal/catalog"
	"github.com/craftmarket/escrow-api/internal/config"
	"github.com/craftmarket/escrow-api/internal/database"
	"github.com/craftmarket/escrow-api/internal/disputes"
	"github.com/craftmarket/escrow-api/internal/escrow"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/orders"
	"github.com/craftmarket/escrow-api/internal/wallet"
	"github.com/craftmarket/escrow-api/pkg/middleware"
)

const (
	minOrders     = 10
	maxOrders     = 60
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the escrow API on behalf
// of one authenticated user
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient authenticates the given credentials against the API and
// prepares performance tracking shared across all clients
func newSimulationClient(apiKey, apiSecret string, stats map[string]*routeStats) (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats:   stats,
	}

	// Get auth token
	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// do issues an authenticated request, records the duration under the given
// stats key, and decodes the envelope's data into out when non-nil
func (sc *simulationClient) do(statKey, method, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")
	if method == "POST" {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].addFailure()
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].addFailure()
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return json.Unmarshal(envelope.Data, out)
}

// orderView is the slice of the order payload the simulation cares about
type orderView struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	EscrowStatus string `json:"escrow_status"`
}

type orderDetailView struct {
	Order orderView `json:"order"`
}

type disputeView struct {
	DisputeID string `json:"dispute_id"`
	Status    string `json:"status"`
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the marketplace simulation
// It starts a local API server and drives concurrent buyers through the
// order lifecycle: happy-path confirmations, cancellations, and disputes
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := map[string]*routeStats{
		"auth":     {name: "Authentication"},
		"deposit":  {name: "Deposit"},
		"services": {name: "List Services"},
		"create":   {name: "Create Order"},
		"accept":   {name: "Accept Order"},
		"deliver":  {name: "Deliver Order"},
		"confirm":  {name: "Confirm Order"},
		"cancel":   {name: "Cancel Order"},
		"dispute":  {name: "Open Dispute"},
		"resolve":  {name: "Resolve Dispute"},
		"get":      {name: "Get Order"},
		"balance":  {name: "Get Balance"},
	}

	buyer, err := newSimulationClient("buyer-key", "buyer-secret", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize buyer client")
	}
	seller, err := newSimulationClient("seller-key", "seller-secret", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize seller client")
	}
	admin, err := newSimulationClient("admin-key", "admin-secret", stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize admin client")
	}

	// Fund the buyer generously so no order fails on balance
	deposit := map[string]string{"amount": "1000000.00"}
	if err := buyer.do("deposit", "POST", "/api/v1/accounts/me/deposit", deposit, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to fund buyer")
	}

	// Pick a service to order repeatedly
	var listings []struct {
		ServiceID string `json:"service_id"`
	}
	if err := buyer.do("services", "GET", "/api/v1/services", nil, &listings); err != nil || len(listings) == 0 {
		log.Fatal().Err(err).Msg("No services available to order")
	}
	serviceID := listings[0].ServiceID

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Str("service_id", serviceID).Msg("Starting simulation")

	simStats := struct {
		TotalOrders int
		Completed   int
		Cancelled   int
		Disputed    int
		Resolved    int
		Failed      int
		StartTime   time.Time
		Outcomes    map[string]int
		mu          sync.Mutex
	}{
		StartTime: time.Now(),
		Outcomes:  make(map[string]int),
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < targetOrders/numWorkers; j++ {
				outcome, err := runOrderLifecycle(buyer, seller, admin, serviceID)
				simStats.mu.Lock()
				simStats.TotalOrders++
				if err != nil {
					simStats.Failed++
					log.Error().Err(err).Int("worker_id", workerID).Msg("Order lifecycle failed")
				} else {
					simStats.Outcomes[outcome]++
					switch outcome {
					case "completed":
						simStats.Completed++
					case "cancelled":
						simStats.Cancelled++
					default:
						simStats.Disputed++
						simStats.Resolved++
					}
				}
				simStats.mu.Unlock()

				// Random sleep between orders
				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Final balances prove conservation across every path
	var balance struct {
		Balance       json.Number `json:"balance"`
		LockedBalance json.Number `json:"locked_balance"`
	}
	_ = seller.do("balance", "GET", "/api/v1/accounts/me", nil, &balance)

	// Print summary
	duration := time.Since(simStats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🛒 MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Completed:        %d
Cancelled:        %d
Disputed:         %d
Resolved:         %d
Failed:           %d
Seller Balance:   %s
Seller Locked:    %s
Duration:         %v

📈 Outcome Distribution
---------------------
`, simStats.TotalOrders, simStats.Completed, simStats.Cancelled, simStats.Disputed,
		simStats.Resolved, simStats.Failed, balance.Balance, balance.LockedBalance,
		duration.Round(time.Millisecond))

	// Print outcome distribution with simple ASCII bar chart
	maxCount := 0
	for _, count := range simStats.Outcomes {
		if count > maxCount {
			maxCount = count
		}
	}
	for outcome, count := range simStats.Outcomes {
		barLength := int(float64(count) / float64(maxCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-20s: %s (%d)\n", outcome, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(simStats.TotalOrders-simStats.Failed) / float64(simStats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", simStats.TotalOrders).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}

// runOrderLifecycle drives one order through a randomly chosen path and
// returns the outcome name
func runOrderLifecycle(buyer, seller, admin *simulationClient, serviceID string) (string, error) {
	var detail orderDetailView
	createReq := map[string]interface{}{"service_id": serviceID, "max_revisions": 2}
	if err := buyer.do("create", "POST", "/api/v1/orders", createReq, &detail); err != nil {
		return "", err
	}
	orderID := detail.Order.OrderID
	if orderID == "" {
		return "", fmt.Errorf("no order ID in create response")
	}

	// Roughly: 20% cancelled before work starts, 20% disputed, 60% happy path
	roll := rand.Intn(10)
	if roll < 2 {
		if err := buyer.do("cancel", "POST", fmt.Sprintf("/api/v1/orders/%s/cancel", orderID), map[string]string{"reason": "changed my mind"}, nil); err != nil {
			return "", err
		}
		return "cancelled", nil
	}

	if err := seller.do("accept", "POST", fmt.Sprintf("/api/v1/orders/%s/accept", orderID), nil, nil); err != nil {
		return "", err
	}
	if err := seller.do("deliver", "POST", fmt.Sprintf("/api/v1/orders/%s/deliver", orderID), nil, nil); err != nil {
		return "", err
	}

	if roll < 4 {
		var dispute disputeView
		disputeReq := map[string]string{"reason": "delivery does not match the brief"}
		if err := buyer.do("dispute", "POST", fmt.Sprintf("/api/v1/orders/%s/disputes", orderID), disputeReq, &dispute); err != nil {
			return "", err
		}

		resolutions := []map[string]interface{}{
			{"resolution": "release_to_seller"},
			{"resolution": "refund_to_buyer"},
			{"resolution": "split", "split_buyer_ratio": "0.5"},
		}
		resolution := resolutions[rand.Intn(len(resolutions))]
		if err := admin.do("resolve", "POST", fmt.Sprintf("/api/v1/admin/disputes/%s/resolve", dispute.DisputeID), resolution, nil); err != nil {
			return "", err
		}
		return fmt.Sprintf("disputed_%v", resolution["resolution"]), nil
	}

	if err := buyer.do("confirm", "POST", fmt.Sprintf("/api/v1/orders/%s/confirm", orderID), nil, nil); err != nil {
		return "", err
	}

	// Verify the terminal state landed
	if err := buyer.do("get", "GET", fmt.Sprintf("/api/v1/orders/%s", orderID), nil, &detail); err != nil {
		return "", err
	}
	if detail.Order.Status != "completed" {
		return "", fmt.Errorf("expected completed order, got %s", detail.Order.Status)
	}
	return "completed", nil
}

// startServer initializes and starts the escrow API server
// Sets up all required services, handlers and routes
func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.DatabasePath = "simulation.db"

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	notifier := notify.NewLogNotifier()
	walletService := wallet.NewService(db)
	escrowService := escrow.NewService(db, walletService.GetDB())
	catalogService := catalog.NewService(db)
	orderService := orders.NewService(db, escrowService, walletService.GetDB(), catalogService, notifier, orders.Config{
		PlatformUserID: cfg.PlatformUserID,
		FeeRate:        decimal.NewFromFloat(cfg.PlatformFeeRate),
		AcceptWindow:   cfg.AcceptWindow,
		GracePeriod:    cfg.EscrowGracePeriod,
	})
	disputeService := disputes.NewService(db, orderService, notifier)

	// Register simulation credentials
	authService.RegisterAPICredentials("buyer-key", "buyer-secret", "sim_buyer", auth.RoleBuyer)
	authService.RegisterAPICredentials("seller-key", "seller-secret", "sim_seller", auth.RoleSeller)
	authService.RegisterAPICredentials("admin-key", "admin-secret", "sim_admin", auth.RoleAdmin)

	if _, err := walletService.EnsureAccount(cfg.PlatformUserID); err != nil {
		return fmt.Errorf("failed to create platform account: %w", err)
	}
	if _, err := catalogService.CreateListing("sim_seller", "Poster design", decimal.NewFromInt(250)); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	walletHandlers := wallet.NewGinHandlers(walletService)
	catalogHandlers := catalog.NewGinHandlers(catalogService)
	orderHandlers := orders.NewGinHandlers(orderService)
	disputeHandlers := disputes.NewGinHandlers(disputeService)

	// Setup routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, walletHandlers, catalogHandlers, orderHandlers, disputeHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	catalogHandlers *catalog.GinHandlers,
	orderHandlers *orders.GinHandlers,
	disputeHandlers *disputes.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			protected.GET("/accounts/me", walletHandlers.GetAccountHandler())
			protected.GET("/accounts/me/ledger", walletHandlers.GetLedgerHandler())
			protected.POST("/accounts/me/deposit", walletHandlers.DepositHandler())
			protected.GET("/services", catalogHandlers.ListServicesHandler())

			orderGroup := protected.Group("/orders")
			{
				orderGroup.POST("", orderHandlers.CreateOrderHandler())
				orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
				orderGroup.POST("/:order_id/accept", orderHandlers.AcceptOrderHandler())
				orderGroup.POST("/:order_id/deliver", orderHandlers.DeliverOrderHandler())
				orderGroup.POST("/:order_id/confirm", orderHandlers.ConfirmOrderHandler())
				orderGroup.POST("/:order_id/cancel", orderHandlers.CancelOrderHandler())
				orderGroup.POST("/:order_id/disputes", disputeHandlers.OpenDisputeHandler())
			}

			admin := protected.Group("/admin")
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admin.POST("/disputes/:dispute_id/resolve", disputeHandlers.ResolveDisputeHandler())
				admin.POST("/disputes/:dispute_id/dismiss", disputeHandlers.DismissDisputeHandler())
			}
		}
	}
}
