package alert

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	return &Dispatcher{configs: configs}
}

// Dispatch sends the event to all webhooks whose Kinds list matches.
// Fires goroutines, does not block the caller (C7's sampler must not
// stall behind a slow webhook endpoint).
func (d *Dispatcher) Dispatch(event Event) {
	for _, cfg := range d.configs {
		if matches(cfg.Kinds, event) {
			go Send(cfg, event)
		}
	}
}

func matches(kinds []string, event Event) bool {
	for _, k := range kinds {
		if k == event.Kind {
			return true
		}
	}
	return false
}
