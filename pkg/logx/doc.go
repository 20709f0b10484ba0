// Package logx is the bot's logging layer: a value-type Logger over zerolog,
// a Service that owns the console and file outputs and can swap them on
// config reload, and an optional alert path that forwards error lines to the
// admin chat at a bounded rate.
package logx
