package i18n

import (
	"strings"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangES Language = "es"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	MetricsEnabled     string

	// Broker
	BrokerMode          string
	BrokerUnavailable   string
	CredentialCacheOn   string
	CredentialCacheOff  string
	HintStoreRedis      string
	HintStoreFallback   string
	HintStoreMemory     string
	CatalogLoaded       string
	CatalogLoadFailed   string
	SessionReaperActive string

	// Risk
	RiskLocked        string
	RiskConfigLocked  string
	RiskNotConnected  string
	RiskLockInFlight  string
	WeightsMustSumOne string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "tradedesk starting",
	ConfigLoaded:       "configuration loaded",
	UsingDBPath:        "using database at %s",
	ServerListening:    "HTTP server listening on :%s",
	ShuttingDown:       "shutting down",
	ConfigLoadFailed:   "failed to load configuration: %v",
	DBInitFailed:       "failed to open database: %v",
	DBMigrationsFailed: "failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	MetricsEnabled:     "prometheus metrics exposed on /metrics",

	// Broker
	BrokerMode:          "broker terminal mode: %s",
	BrokerUnavailable:   "cannot connect to broker terminal",
	CredentialCacheOn:   "sealed credential cache enabled (key v%d)",
	CredentialCacheOff:  "no master key configured; auto-connect relies on the terminal alone",
	HintStoreRedis:      "session hints stored in redis at %s",
	HintStoreFallback:   "redis unavailable; session hints kept in memory until it recovers",
	HintStoreMemory:     "session hints kept in memory",
	CatalogLoaded:       "strategy catalog loaded from %s",
	CatalogLoadFailed:   "failed to load strategy catalog: %v",
	SessionReaperActive: "idle sessions are released after %s",

	// Risk
	RiskLocked:        "risk configuration locked",
	RiskConfigLocked:  "risk configuration is locked",
	RiskNotConnected:  "connect a broker account before locking",
	RiskLockInFlight:  "a risk lock is already in progress",
	WeightsMustSumOne: "analysis weights must sum to 1.00",
}

// Spanish messages
var messagesES = Messages{
	// System
	Starting:           "iniciando tradedesk",
	ConfigLoaded:       "configuración cargada",
	UsingDBPath:        "usando base de datos en %s",
	ServerListening:    "servidor HTTP escuchando en :%s",
	ShuttingDown:       "apagando",
	ConfigLoadFailed:   "no se pudo cargar la configuración: %v",
	DBInitFailed:       "no se pudo abrir la base de datos: %v",
	DBMigrationsFailed: "no se pudieron aplicar las migraciones: %v",
	APIServerError:     "error del servidor API: %v",
	MetricsEnabled:     "métricas de prometheus expuestas en /metrics",

	// Broker
	BrokerMode:          "modo de terminal del bróker: %s",
	BrokerUnavailable:   "no se puede conectar con la terminal del bróker",
	CredentialCacheOn:   "caché de credenciales cifradas activa (clave v%d)",
	CredentialCacheOff:  "sin clave maestra; la reconexión automática depende solo de la terminal",
	HintStoreRedis:      "preferencias de sesión guardadas en redis en %s",
	HintStoreFallback:   "redis no disponible; preferencias de sesión en memoria hasta que se recupere",
	HintStoreMemory:     "preferencias de sesión en memoria",
	CatalogLoaded:       "catálogo de estrategias cargado desde %s",
	CatalogLoadFailed:   "no se pudo cargar el catálogo de estrategias: %v",
	SessionReaperActive: "las sesiones inactivas se liberan tras %s",

	// Risk
	RiskLocked:        "configuración de riesgo bloqueada",
	RiskConfigLocked:  "la configuración de riesgo está bloqueada",
	RiskNotConnected:  "conecte una cuenta del bróker antes de bloquear",
	RiskLockInFlight:  "ya hay un bloqueo de riesgo en curso",
	WeightsMustSumOne: "los pesos de análisis deben sumar 1.00",
}

func init() {
	messages = &messagesEN
}

// ParseLanguage maps a LANGUAGE value onto a supported language; anything
// unknown falls back to English.
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "es", "es-es", "es-mx", "spanish", "español":
		return LangES
	default:
		return LangEN
	}
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	switch lang {
	case LangES:
		currentLang = LangES
		messages = &messagesES
	default:
		currentLang = LangEN
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}
