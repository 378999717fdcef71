package config

// mergeConfigs merges override configuration into base. Scalars set in
// override win; extension sections are merged one level deep.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.Version != "" {
		result.Version = override.Version
	}

	// Session
	if override.Session.ExtendInterval != 0 {
		result.Session.ExtendInterval = override.Session.ExtendInterval
	}
	if override.Session.TTL != 0 {
		result.Session.TTL = override.Session.TTL
	}

	// Refresh
	if override.Refresh.Enabled != nil {
		enabled := *override.Refresh.Enabled
		result.Refresh.Enabled = &enabled
	}
	if override.Refresh.Interval != 0 {
		result.Refresh.Interval = override.Refresh.Interval
	}
	if override.Refresh.StaleThreshold != 0 {
		result.Refresh.StaleThreshold = override.Refresh.StaleThreshold
	}

	// Bus
	if override.Bus.Transport != "" {
		result.Bus.Transport = override.Bus.Transport
	}
	if override.Bus.RelayURL != "" {
		result.Bus.RelayURL = override.Bus.RelayURL
	}
	if override.Bus.RelayAddr != "" {
		result.Bus.RelayAddr = override.Bus.RelayAddr
	}

	// Store
	if override.Store.Dir != "" {
		result.Store.Dir = override.Store.Dir
	}

	// API
	if override.API.BaseURL != "" {
		result.API.BaseURL = override.API.BaseURL
	}
	if override.API.Timeout != 0 {
		result.API.Timeout = override.API.Timeout
	}

	// Extensions
	if len(override.Extensions) > 0 {
		merged := make(map[string]interface{}, len(base.Extensions)+len(override.Extensions))
		for k, v := range base.Extensions {
			merged[k] = v
		}
		for k, v := range override.Extensions {
			baseSection, baseIsMap := merged[k].(map[string]interface{})
			overrideSection, overrideIsMap := v.(map[string]interface{})
			if baseIsMap && overrideIsMap {
				section := make(map[string]interface{}, len(baseSection)+len(overrideSection))
				for sk, sv := range baseSection {
					section[sk] = sv
				}
				for sk, sv := range overrideSection {
					section[sk] = sv
				}
				merged[k] = section
				continue
			}
			merged[k] = v
		}
		result.Extensions = merged
	}

	return &result
}
