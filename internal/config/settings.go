package config

// Settings holds operator-tunable values persisted in the settings table
// and re-read at the start of every run and every scheduler poll.
type Settings struct {
	// Vision inference.
	GeminiAPIKey string `json:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model"`
	SystemPrompt string `json:"system_prompt"`
	ReportPrompt string `json:"report_prompt"`
	VideoPrompt  string `json:"video_prompt"`

	// Run behavior.
	TurboMode            bool   `json:"turbo_mode"`
	EnableVideoRecording bool   `json:"enable_video_recording"`
	Timezone             string `json:"timezone"`

	// Live monitoring.
	EnableLiveMonitor   bool     `json:"enable_live_monitor"`
	AlertServiceURL     string   `json:"alert_service_url"`
	EnableCameraRelay   bool     `json:"enable_camera_relay"`
	EnableExternalRelay bool     `json:"enable_external_relay"`
	ExternalSourceURL   string   `json:"external_source_url"`
	LiveMonitorRules    []string `json:"live_monitor_rules"`

	// Notifications.
	EnableTelegram   bool   `json:"enable_telegram"`
	TelegramBotToken string `json:"telegram_bot_token"`
	TelegramChatID   string `json:"telegram_chat_id"`
}

// DefaultSettings returns the baseline settings merged under stored values.
func DefaultSettings() Settings {
	return Settings{
		GeminiModel:  "gemini-2.5-flash",
		SystemPrompt: "You are a patrol robot assistant. Analyze this image from my patrol.",
		VideoPrompt:  "Analyze this patrol video.",
		Timezone:     "UTC",
	}
}
