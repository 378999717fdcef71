package alarms

// ActiveAlarm is one currently firing alarm on an item.
type ActiveAlarm struct {
	AlarmID string `json:"alarmId"`
	ItemID  string `json:"itemId,omitempty"`
}

// AlarmConfig is the priority metadata of one alarm definition.
type AlarmConfig struct {
	ID            string   `json:"id"`
	AlarmPriority Priority `json:"alarmPriority"`
}

// Resolve counts the active alarms and finds the highest priority among
// those with a known configuration. Active alarms without a configuration
// are counted but do not affect the priority.
func Resolve(active []ActiveAlarm, configs []AlarmConfig) (int, Priority) {
	priorities := make(map[string]Priority, len(configs))
	for _, c := range configs {
		priorities[c.ID] = c.AlarmPriority
	}

	highest := PriorityNone
	for _, a := range active {
		if p, ok := priorities[a.AlarmID]; ok && p > highest {
			highest = p
		}
	}
	return len(active), highest
}
