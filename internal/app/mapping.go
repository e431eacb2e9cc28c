package app

import (
	"strings"

	"postwave/internal/config"
	"postwave/internal/content"
	"postwave/internal/platform"
	"postwave/internal/publish"
	"postwave/internal/queue"
	"postwave/internal/storage"
	"postwave/internal/transport/httpapi"
	"postwave/internal/trigger"
	logx "postwave/pkg/logx"
)

// The mappers below take configs that already passed config.Validate, so
// duration strings parse; MustDuration only supplies the defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: config.MustDuration(sc.BusyTimeout, 0),
		MaxConns:    sc.MaxConns,
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	qc := cfg.Queue
	return queue.Config{
		SweepInterval:      config.MustDuration(qc.SweepInterval, queue.DefaultSweepInterval),
		MaxConcurrent:      qc.MaxConcurrent,
		JobTimeout:         config.MustDuration(qc.JobTimeout, queue.DefaultJobTimeout),
		RetryDelay:         config.MustDuration(qc.RetryDelay, queue.DefaultRetryDelay),
		BackoffBase:        config.MustDuration(qc.BackoffBase, queue.DefaultBackoffBase),
		BackoffMax:         config.MustDuration(qc.BackoffMax, queue.DefaultBackoffMax),
		PublishMaxAttempts: qc.PublishMaxAttempts,
		RetryMaxAttempts:   qc.RetryMaxAttempts,
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	tc := cfg.Trigger
	return trigger.Config{
		Enabled:     tc.IsEnabled(),
		Schedule:    tc.Schedule,
		Timezone:    tc.Timezone,
		Concurrency: tc.Concurrency,
		RunTimeout:  config.MustDuration(tc.RunTimeout, trigger.DefaultRunTimeout),
	}
}

func mapPublisherConfig(cfg *config.Config) publish.Config {
	pc := cfg.Publisher
	def := publish.DefaultConfig()
	return publish.Config{
		AutoRetry:      pc.AutoRetryEnabled(),
		PartialPublish: pc.PartialPublish,
		CallTimeout:    config.MustDuration(pc.CallTimeout, def.CallTimeout),
		Concurrency:    pc.Concurrency,
	}
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	hc := cfg.HTTP
	return httpapi.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        hc.Token,
		Pprof:        hc.Pprof,
		ReadTimeout:  config.MustDuration(hc.ReadTimeout, httpapi.DefaultReadTimeout),
		WriteTimeout: config.MustDuration(hc.WriteTimeout, 0),
		EventRate:    hc.EventRate,
	}
}

// mapPlatformSettings returns settings for every known platform. Platforms
// missing from the config are present but disabled so Require reports them.
func mapPlatformSettings(cfg *config.Config) map[platform.ID]platform.Settings {
	out := make(map[platform.ID]platform.Settings, len(platform.All()))
	for _, id := range platform.All() {
		pc, ok := cfg.Platforms[string(id)]
		if !ok {
			out[id] = platform.Settings{}
			continue
		}
		out[id] = platform.Settings{
			Enabled:       pc.Enabled,
			APIBase:       strings.TrimRight(strings.TrimSpace(pc.APIBase), "/"),
			RatePerSec:    pc.RatePerSec,
			Burst:         pc.Burst,
			Timeout:       config.MustDuration(pc.Timeout, 0),
			MaxImageBytes: pc.MaxImageBytes,
			Format: content.Options{
				Truncate: pc.Truncate,
				Hashtags: pc.Hashtags,
				Footer:   pc.Footer,
			},
		}
	}
	return out
}
