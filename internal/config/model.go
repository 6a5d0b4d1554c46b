package config

// ModelConfig configures the model selector (C6).
type ModelConfig struct {
	// Tiers maps a tier name (fast, balanced, deep) to a concrete model identifier.
	Tiers map[string]string `yaml:"tiers" json:"tiers"`
	// Overrides maps a task id directly to a tier name or model identifier.
	Overrides map[string]string `yaml:"overrides" json:"overrides"`
}

// Resolve returns the model identifier for a tier name, or the name itself
// if it does not match a known tier (treated as an already-resolved model id).
func (c *ModelConfig) Resolve(tier string) string {
	if id, ok := c.Tiers[tier]; ok {
		return id
	}
	return tier
}
