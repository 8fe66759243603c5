package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings.
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	ServerListening    string
	HealthServing      string
	ShuttingDown       string
	PaperMode          string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	StateLoadFailed    string
	APIServerError     string

	// Services
	ReconStarted  string
	MockFeedStart string
	FeedStopped   string

	// Operator-facing error messages. Each tells the caller what to do
	// next, not just what went wrong.
	ErrInvalidSessionType       string
	ErrMissingStrategyConfig    string
	ErrInvalidSymbol            string
	ErrSessionConflict          string
	ErrSessionNotFound          string
	ErrStrategyActivationFailed string
	ErrInvalidTransition        string
	ErrResourceUnavailable      string
	ErrServiceUnavailable       string
	ErrTimeout                  string
	ErrExternalInconsistency    string
	ErrValidation               string
	ErrNotFound                 string
	ErrUnauthorized             string
	ErrInternal                 string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	Starting:           "Starting signal engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	ServerListening:    "Server listening on :%s",
	HealthServing:      "gRPC health service listening on %s",
	ShuttingDown:       "Shutting down gracefully...",
	PaperMode:          "Running in PAPER mode (orders will NOT hit a live venue)",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	StateLoadFailed:    "Failed to load state: %v",
	APIServerError:     "API server error: %v",

	ReconStarted:  "Position reconciler started",
	MockFeedStart: "Mock market feed started",
	FeedStopped:   "Market feed stopped",

	ErrInvalidSessionType:       "Unknown session mode; choose one of backtest, paper or live.",
	ErrMissingStrategyConfig:    "No strategy configuration supplied; provide at least one strategy binding.",
	ErrInvalidSymbol:            "Symbol is empty or malformed; use the VENUE_QUOTE form, e.g. BTC_USDT.",
	ErrSessionConflict:          "Another session is already active; stop it before starting a new one.",
	ErrSessionNotFound:          "No session with that ID exists; list sessions to find the current one.",
	ErrStrategyActivationFailed: "Strategy could not be activated; check the strategy type and its parameters.",
	ErrInvalidTransition:        "The requested session transition is not legal from the current state.",
	ErrResourceUnavailable:      "All signal slots or the symbol lock are busy; the request will be retried automatically.",
	ErrServiceUnavailable:       "The exchange adapter is unavailable (circuit open); wait for the cool-down to elapse.",
	ErrTimeout:                  "The exchange adapter did not answer in time; the operation was cancelled.",
	ErrExternalInconsistency:    "Local positions diverged from the venue and were corrected; review the audit events.",
	ErrValidation:               "The request is invalid; check the field errors and resubmit.",
	ErrNotFound:                 "The requested record does not exist.",
	ErrUnauthorized:             "Authentication required; log in and retry with a valid token.",
	ErrInternal:                 "Internal engine error; see server logs for details.",
}

// Chinese messages
var messagesZH = Messages{
	Starting:           "啟動訊號引擎...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	ServerListening:    "服務監聽於 :%s",
	HealthServing:      "gRPC 健康檢查服務監聽於 %s",
	ShuttingDown:       "正在優雅關閉...",
	PaperMode:          "PAPER 模式（不會送出真實委託）",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	StateLoadFailed:    "載入狀態失敗：%v",
	APIServerError:     "API 伺服器錯誤：%v",

	ReconStarted:  "持倉對帳服務已啟動",
	MockFeedStart: "模擬行情已啟動",
	FeedStopped:   "行情來源已停止",

	ErrInvalidSessionType:       "未知的交易模式；請選擇 backtest、paper 或 live。",
	ErrMissingStrategyConfig:    "缺少策略設定；請至少提供一組策略綁定。",
	ErrInvalidSymbol:            "交易對為空或格式錯誤；請使用 VENUE_QUOTE 形式，例如 BTC_USDT。",
	ErrSessionConflict:          "已有進行中的交易時段；請先停止後再建立新的。",
	ErrSessionNotFound:          "查無此交易時段；請先查詢目前的時段列表。",
	ErrStrategyActivationFailed: "策略無法啟用；請確認策略類型與參數。",
	ErrInvalidTransition:        "目前狀態不允許此轉換。",
	ErrResourceUnavailable:      "訊號額度或交易對鎖已滿；系統會自動重試。",
	ErrServiceUnavailable:       "交易所通道暫時不可用（熔斷中）；請等待冷卻時間結束。",
	ErrTimeout:                  "交易所通道逾時未回應；操作已取消。",
	ErrExternalInconsistency:    "本地持倉與交易所不一致，已自動修正；請查看稽核事件。",
	ErrValidation:               "請求內容無效；請依欄位錯誤修正後重送。",
	ErrNotFound:                 "查無此紀錄。",
	ErrUnauthorized:             "需要驗證；請先登入並附上有效權杖。",
	ErrInternal:                 "引擎內部錯誤；請查看伺服器日誌。",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language.
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language.
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages.
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns a specific message by field name using reflection.
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}

// ErrorMessage maps a symbolic error code (as carried in API payloads)
// to its operator-facing message.
func ErrorMessage(code string) string {
	m := M()
	switch code {
	case "invalid_session_type":
		return m.ErrInvalidSessionType
	case "missing_strategy_config":
		return m.ErrMissingStrategyConfig
	case "invalid_symbol":
		return m.ErrInvalidSymbol
	case "session_conflict":
		return m.ErrSessionConflict
	case "session_not_found":
		return m.ErrSessionNotFound
	case "strategy_activation_failed":
		return m.ErrStrategyActivationFailed
	case "invalid_transition":
		return m.ErrInvalidTransition
	case "resource_unavailable":
		return m.ErrResourceUnavailable
	case "service_unavailable":
		return m.ErrServiceUnavailable
	case "timeout":
		return m.ErrTimeout
	case "external_inconsistency":
		return m.ErrExternalInconsistency
	case "validation_error":
		return m.ErrValidation
	case "not_found":
		return m.ErrNotFound
	case "unauthorized":
		return m.ErrUnauthorized
	default:
		return m.ErrInternal
	}
}
