package state

// Durable store keys. Each key is independent; no write spans two keys atomically.
const (
	KeyAccessToken  = "session_access_token"
	KeyUser         = "session_user"
	KeyRefreshToken = "session_refresh_token"
	KeyExpiresAt    = "session_expires_at"

	KeyDataSynced        = "monitoring_data_synced"
	KeyGroups            = "monitoring_groups"
	KeyItems             = "monitoring_items"
	KeyAlarms            = "monitoring_alarms"
	KeyBackgroundRefresh = "monitoring_background_refresh"

	KeySelectedTheme = "selected_theme"
)

// SessionKeys lists the keys cleared on logout.
var SessionKeys = []string{KeyAccessToken, KeyUser, KeyRefreshToken, KeyExpiresAt}

// MonitoringKeys lists the cached collection keys plus the sync flag.
var MonitoringKeys = []string{KeyDataSynced, KeyGroups, KeyItems, KeyAlarms}
