package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures detection of silent disconnects.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often the connection is inspected.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long without activity before the client
	// connection state is double-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter reconnects after this much silence even if the
	// socket claims to be up (0 = never).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`

	// PingInterval is the period of the keep-alive presence update.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// DefaultHealthMonitorConfig returns the monitor defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 15 * time.Minute,
		PingInterval:        2 * time.Minute,
	}
}

// StartHealthMonitor runs the monitor and the presence pinger until ctx is
// cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	def := DefaultHealthMonitorConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = def.MaxSilentDuration
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	go w.runTicker(ctx, cfg.CheckInterval, func() { w.checkHealth(cfg) })
	go w.runTicker(ctx, cfg.PingInterval, func() {
		if w.getState() != StateConnected {
			return
		}
		if err := w.SendPresence(ctx, true); err != nil {
			w.logger.Warn("whatsapp: keep-alive presence failed", "error", err)
			return
		}
		w.UpdateLastMsgTime()
	})

	w.logger.Debug("whatsapp: health monitor started",
		"check_interval", cfg.CheckInterval,
		"max_silent", cfg.MaxSilentDuration,
		"force_reconnect_after", cfg.ForceReconnectAfter)
}

func (w *WhatsApp) runTicker(ctx context.Context, every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// checkHealth reconnects when the state says connected but the client
// disagrees, or when silence exceeds ForceReconnectAfter.
func (w *WhatsApp) checkHealth(cfg HealthMonitorConfig) {
	if w.getState() != StateConnected {
		return
	}

	silent := time.Since(w.getLastMsgTime())
	if silent <= cfg.MaxSilentDuration {
		return
	}

	clientDown := w.client != nil && !w.client.IsConnected()
	tooQuiet := cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter
	if !clientDown && !tooQuiet {
		return
	}

	w.logger.Warn("whatsapp: connection looks dead, reconnecting",
		"silent_for", silent, "client_connected", !clientDown)
	w.setState(StateReconnecting)
	w.connected.Store(false)
	go w.attemptReconnect()
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		return t
	}
	return time.Time{}
}

// UpdateLastMsgTime records connection activity.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
