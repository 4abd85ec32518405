package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"tradedesk/internal/broker"
	"tradedesk/internal/hints"
	"tradedesk/pkg/config"
	"tradedesk/pkg/db"
)

const (
	statusHealthy   = "HEALTHY"
	statusDegraded  = "DEGRADED"
	statusUnhealthy = "UNHEALTHY"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

var (
	healthURL  string
	healthJSON bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the database, broker terminal, hint store and API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		report := runHealthChecks(ctx, cfg, healthURL)
		printReport(cmd.OutOrStdout(), report, healthJSON)
		if report.Overall == statusUnhealthy {
			return fmt.Errorf("desk is unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&healthURL, "url", "http://localhost:8080", "base URL of the running server")
	healthCmd.Flags().BoolVar(&healthJSON, "json", false, "also print the report as JSON")
}

func runHealthChecks(ctx context.Context, cfg *config.Config, apiURL string) HealthReport {
	report := HealthReport{Overall: statusHealthy}
	report.Services = append(report.Services,
		checkDatabase(ctx, cfg),
		checkBroker(ctx, cfg),
		checkHintStore(cfg),
		checkAPIServer(ctx, apiURL),
	)

	for _, svc := range report.Services {
		if svc.Status == statusUnhealthy {
			report.Overall = statusUnhealthy
			break
		} else if svc.Status == statusDegraded {
			report.Overall = statusDegraded
		}
	}
	return report
}

func printReport(w io.Writer, report HealthReport, asJSON bool) {
	for _, svc := range report.Services {
		icon := "ok "
		switch svc.Status {
		case statusUnhealthy:
			icon = "ERR"
		case statusDegraded:
			icon = "WRN"
		}
		fmt.Fprintf(w, "[%s] %-14s %-10s %s\n", icon, svc.Service, svc.Status, svc.Message)
	}
	fmt.Fprintf(w, "\nOverall Status: %s\n", report.Overall)

	if asJSON {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Fprintln(w, string(data))
	}
}

func newStatus(service string) HealthStatus {
	return HealthStatus{Service: service, Status: statusHealthy, Timestamp: time.Now()}
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Database")

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("open failed: %v", err)
		return status
	}
	defer database.Close()

	if err := database.Ping(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("ping failed: %v", err)
		return status
	}
	// serve migrates on startup, so an unmigrated file is still usable.
	if v, err := database.SchemaVersion(); err == nil {
		status.Message = fmt.Sprintf("%s (schema v%d)", cfg.DBPath, v)
	} else {
		status.Message = cfg.DBPath + " (not migrated)"
	}
	return status
}

func checkBroker(ctx context.Context, cfg *config.Config) HealthStatus {
	status := newStatus("Broker")

	factory, err := broker.NewTerminalFactory(cfg)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}
	term, err := factory("healthcheck")
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}
	if err := term.Ping(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("%s terminal: %v", cfg.BrokerMode, err)
		return status
	}
	status.Message = fmt.Sprintf("mode=%s", cfg.BrokerMode)
	return status
}

func checkHintStore(cfg *config.Config) HealthStatus {
	status := newStatus("Hint store")
	if !cfg.RedisEnabled {
		status.Message = "in memory"
		return status
	}

	store := hints.NewRedisStore(hints.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: 1,
		TTL:      cfg.HintTTL,
	}, zerolog.Nop())
	defer store.Close()

	if !store.IsHealthy() {
		// The server still runs on its in-memory fallback.
		status.Status = statusDegraded
		status.Message = fmt.Sprintf("redis at %s unreachable", cfg.RedisAddr)
		return status
	}
	status.Message = fmt.Sprintf("redis at %s", cfg.RedisAddr)
	return status
}

func checkAPIServer(ctx context.Context, baseURL string) HealthStatus {
	status := newStatus("API server")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = err.Error()
		return status
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = statusUnhealthy
		status.Message = fmt.Sprintf("not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = statusDegraded
		status.Message = fmt.Sprintf("status code %d", resp.StatusCode)
		return status
	}

	var body struct {
		Version     string `json:"version"`
		ActiveUsers int    `json:"active_users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		status.Message = fmt.Sprintf("version=%s active_users=%d", body.Version, body.ActiveUsers)
	}
	return status
}
