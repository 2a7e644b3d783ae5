package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ CredentialCodec = JSONCredentialCodec{}
	_ CredentialCodec = LegacyTokenCredentialCodec{}

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
