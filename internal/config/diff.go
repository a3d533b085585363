package config

import (
	"reflect"
	"sort"
	"strings"

	logx "enviador/pkg/logx"
)

// Change lists what differs between two configs.
type Change struct {
	// Sections that changed, sorted.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
	// Attrs are safe to log; secrets are reported as set/unset only.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// Diff compares oldCfg and newCfg. Logging, jobs retention and whatsapp
// rates apply live; everything else needs a restart.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		mark("http", true,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.ConsoleEnabled()),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.SMTP, newCfg.SMTP) {
		mark("smtp", true,
			logx.String("smtp.host", newCfg.SMTP.Host),
			logx.Int("smtp.port", newCfg.SMTP.Port),
			logx.Int("smtp.max_attempts", newCfg.SMTP.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		mark("dispatch", true, logx.Bool("dispatch.attachment_dir_set", strings.TrimSpace(newCfg.Dispatch.AttachmentDir) != ""))
	}

	oJ, nJ := oldCfg.Jobs, newCfg.Jobs
	if !reflect.DeepEqual(oJ, nJ) {
		poolChanged := oJ.Workers != nJ.Workers || oJ.QueueSize != nJ.QueueSize
		mark("jobs", poolChanged,
			logx.Int("jobs.workers", nJ.Workers),
			logx.Int("jobs.queue_size", nJ.QueueSize),
			logx.String("jobs.ttl", nJ.TTL),
			logx.Int("jobs.max_jobs", nJ.MaxJobs),
			logx.String("jobs.prune_schedule", nJ.PruneSchedule),
		)
	}

	if !reflect.DeepEqual(oldCfg.WhatsApp, newCfg.WhatsApp) {
		mark("whatsapp", false,
			logx.Any("whatsapp.rate_per_sec", newCfg.WhatsApp.RatePerSec),
			logx.Int("whatsapp.burst", newCfg.WhatsApp.Burst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Credential, newCfg.Credential) {
		mark("credential", true, logx.String("credential.mode", newCfg.Credential.Mode))
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || !reflect.DeepEqual(oS, nS) {
		mark("storage", true,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	var oN, nN NotifyConfig
	if oldCfg.Notify != nil {
		oN = *oldCfg.Notify
	}
	if newCfg.Notify != nil {
		nN = *newCfg.Notify
	}
	if (oldCfg.Notify == nil) != (newCfg.Notify == nil) || !reflect.DeepEqual(oN, nN) {
		mark("notify", true,
			logx.Bool("notify.enabled", nN.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notify.only_failures", nN.OnlyFailures),
		)
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
