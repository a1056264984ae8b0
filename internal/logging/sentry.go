package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

var sentryEnabled bool

// SentryOptions configures crash reporting.
type SentryOptions struct {
	DSN         string
	Environment string
	Driver      string
}

// InitSentry initializes Sentry for crash reporting. It is opt-in: enabled
// through user settings or PCSC_AGENT_SENTRY=1, and PCSC_AGENT_SENTRY=0
// always wins. PCSC_AGENT_SENTRY_DSN overrides opts.DSN. Without a DSN
// nothing is reported. Returns true if Sentry was initialized.
func InitSentry(version string, crashReportingEnabled bool, opts SentryOptions) bool {
	enabled := crashReportingEnabled
	switch os.Getenv("PCSC_AGENT_SENTRY") {
	case "1":
		enabled = true
	case "0":
		enabled = false
	}
	if !enabled {
		return false
	}

	dsn := opts.DSN
	if env := os.Getenv("PCSC_AGENT_SENTRY_DSN"); env != "" {
		dsn = env
	}
	if dsn == "" {
		Warn(CatSystem, "Crash reporting enabled but no Sentry DSN configured", nil)
		return false
	}

	environment := opts.Environment
	if env := os.Getenv("PCSC_AGENT_ENVIRONMENT"); env != "" {
		environment = env
	}
	if environment == "" {
		environment = "production"
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Release:          "pcsc-agent@" + version,
		Environment:      environment,
		AttachStacktrace: true,
		TracesSampleRate: 0.0,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize Sentry: %v\n", err)
		return false
	}
	if opts.Driver != "" {
		sentry.ConfigureScope(func(scope *sentry.Scope) {
			scope.SetTag("pcsc_driver", opts.Driver)
		})
	}

	sentryEnabled = true
	return true
}

// SentryEnabled returns whether Sentry is currently enabled.
func SentryEnabled() bool {
	return sentryEnabled
}

// FlushSentry flushes buffered events. Call before exit.
func FlushSentry(timeout time.Duration) {
	if sentryEnabled {
		sentry.Flush(timeout)
	}
}

// CapturePanic sends a recovered panic with its stack trace and the crash
// context set through SetCrashContext.
func CapturePanic(panicValue interface{}, stack []byte, context string) {
	if !sentryEnabled {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(crashTags())
		scope.SetTag("panic_context", context)
		scope.SetExtra("stack_trace", string(stack))
		scope.SetLevel(sentry.LevelFatal)

		if err, ok := panicValue.(error); ok {
			sentry.CaptureException(err)
		} else {
			sentry.CaptureMessage(fmt.Sprint(panicValue))
		}
	})

	// the process may be about to die
	sentry.Flush(2 * time.Second)
}

func crashTags() map[string]string {
	crashMu.RLock()
	defer crashMu.RUnlock()
	tags := make(map[string]string, len(crashContext))
	for k, v := range crashContext {
		tags[k] = v
	}
	return tags
}

// CaptureError sends an error with extra data.
func CaptureError(err error, context string, data map[string]interface{}) {
	if !sentryEnabled || err == nil {
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(crashTags())
		scope.SetTag("error_context", context)
		for k, v := range data {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}
