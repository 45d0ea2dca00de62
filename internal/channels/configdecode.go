package channels

import (
	"encoding/json"
	"fmt"
)

// DecodeConfig converts the loosely-typed config subtree a factory receives
// (YAML maps, env-derived maps) into the channel's typed config struct.
func DecodeConfig(cfg any, out any) error {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("channels: encode config: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("channels: decode config: %w", err)
	}
	return nil
}
