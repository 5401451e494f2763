// Package logx is broadcastd's structured logging on top of zerolog.
//
// Console output is human readable unless JSON is requested; the log file is
// always JSON lines. A Service can swap level and sinks on config reload
// without invalidating loggers already handed out.
package logx
