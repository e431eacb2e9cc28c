package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postwave/pkg/logx"
)

// Change summarises what a reload changed.
type Change struct {
	// Sections lists the top-level sections that differ, sorted.
	Sections []string
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
	// Attrs are safe to log: secrets appear only as "<x>_set" booleans.
	Attrs []logx.Field
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Summarize compares two configs section by section.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Attrs = append(ch.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Sections = append(ch.Sections, "storage")
		ch.Restart = append(ch.Restart, "storage")
		ch.Attrs = append(ch.Attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		ch.Sections = append(ch.Sections, "queue")
		ch.Attrs = append(ch.Attrs,
			logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent),
			logx.String("queue.sweep_interval", newCfg.Queue.SweepInterval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		ch.Sections = append(ch.Sections, "trigger")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.IsEnabled()),
			logx.String("trigger.schedule", newCfg.Trigger.Schedule),
			logx.String("trigger.timezone", newCfg.Trigger.Timezone),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		ch.Sections = append(ch.Sections, "publisher")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("publisher.auto_retry", newCfg.Publisher.AutoRetryEnabled()),
			logx.Bool("publisher.partial_publish", newCfg.Publisher.PartialPublish),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		ch.Sections = append(ch.Sections, "http")
		ch.Restart = append(ch.Restart, "http")
		ch.Attrs = append(ch.Attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		)
	}

	if changed := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(changed) > 0 {
		ch.Sections = append(ch.Sections, "platforms")
		ch.Attrs = append(ch.Attrs, logx.Strings("platforms.changed", changed))
	}

	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		ch.Sections = append(ch.Sections, "accounts")
		ch.Attrs = append(ch.Attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	if oldCfg.Systemd != newCfg.Systemd {
		ch.Sections = append(ch.Sections, "systemd")
		ch.Restart = append(ch.Restart, "systemd")
	}

	sort.Strings(ch.Sections)
	return ch
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	var out []string
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
