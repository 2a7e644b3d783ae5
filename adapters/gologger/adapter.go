package gologger

import (
	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// ToJobLogger exposes a dispatch logger to go-job consumers.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ComponentJobLogger resolves the named component logger and bridges it to
// go-job, so queue consumers write to the same sink as the engine. A nil
// provider yields a nop logger.
func ComponentJobLogger(provider glog.LoggerProvider, component string) job.Logger {
	_, logger := glog.Resolve(component, provider, nil)
	return ToJobLogger(logger)
}
