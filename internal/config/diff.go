package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	PreferredDeviceChanged bool
	NewPreferredDevice     string

	// RestartRequired lists dotted keys that changed but only take effect
	// after a process restart.
	RestartRequired []string
}

// HotReloadable reports whether any change can be applied at runtime.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.PreferredDeviceChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Hot-reloadable.
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Capture.PreferredDevice != new.Capture.PreferredDevice {
		d.PreferredDeviceChanged = true
		d.NewPreferredDevice = new.Capture.PreferredDevice
	}

	// Restart required.
	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("stream.endpoint", old.Stream.Endpoint != new.Stream.Endpoint)
	restart("stream.dial_timeout", old.Stream.DialTimeout != new.Stream.DialTimeout)
	restart("stream.send_queue", old.Stream.SendQueue != new.Stream.SendQueue)
	restart("capture.backend", old.Capture.Backend != new.Capture.Backend)
	restart("capture.frames_per_buffer", old.Capture.FramesPerBuffer != new.Capture.FramesPerBuffer)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)
	restart("telemetry.metrics", old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled())

	return d
}
