package consensus

// GetParam implements networkstatus_get_param's clamp-and-default
// lookup against a consensus's net_params: return the named parameter's
// value if present, clamped to [minVal, maxVal], otherwise defaultVal.
// c may be nil, in which case defaultVal is returned (callers that want
// the "fall back to the latest consensus" behavior use
// Store.GetParam instead).
func GetParam(c *Consensus, name string, defaultVal, minVal, maxVal int64) int64 {
	if c == nil || c.NetParams == nil {
		return defaultVal
	}
	return clampParam(c.NetParams, name, defaultVal, minVal, maxVal)
}

// GetBWWeight implements networkstatus_get_bw_weight: the same
// clamp-and-default lookup, but against weight_params and additionally
// capped at maxScale (the bandwidth-weight scale the caller derives;
// the original source computes this from circuit_build_times, a
// traffic-shaping concern out of this subsystem's scope, so callers
// supply it directly).
func GetBWWeight(c *Consensus, name string, defaultVal, maxScale int64) int64 {
	if c == nil || c.BWWeights == nil {
		return defaultVal
	}
	v := clampParam(c.BWWeights, name, defaultVal, -1, maxScale)
	if v > maxScale {
		return maxScale
	}
	return v
}

func clampParam(params map[string]int64, name string, defaultVal, minVal, maxVal int64) int64 {
	res := defaultVal
	if v, ok := params[name]; ok {
		res = v
	}
	if res < minVal {
		res = minVal
	} else if res > maxVal {
		res = maxVal
	}
	return res
}

// GetParam looks up a named integer consensus parameter against the
// store's current usable-flavor consensus, falling back to defaultVal
// if there is none, matching the "if ns is NULL, find it ourselves"
// fallback in the original networkstatus_get_param.
func (s *Store) GetParam(name string, defaultVal, minVal, maxVal int64) int64 {
	return GetParam(s.current[s.usableFlavor], name, defaultVal, minVal, maxVal)
}

// GetBWWeight looks up a named bandwidth-weight consensus parameter
// against the store's current usable-flavor consensus.
func (s *Store) GetBWWeight(name string, defaultVal, maxScale int64) int64 {
	return GetBWWeight(s.current[s.usableFlavor], name, defaultVal, maxScale)
}
