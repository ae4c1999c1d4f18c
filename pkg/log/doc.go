/*
Package log provides structured logging for burrow using zerolog.

A single global zerolog.Logger is configured once by the CLI via Init. Packages
derive child loggers that carry the context they operate in:

	log.WithComponent("jail")    // component=jail
	log.WithService("myapp")     // service=myapp

Host and jail names are added as fields at the call site.

Every remote command is logged at debug level by the remote package, so running
with --log-level=debug shows the complete command stream sent to a host.
Best-effort cleanup steps log their failures at warn level and carry on.

Console output (the default) is written to stderr; --log-json switches to
newline-delimited JSON for machine consumption.
*/
package log
