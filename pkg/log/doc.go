// Package log provides structured logging built on zerolog.
//
// A single global Logger is configured once via Init and every component
// derives a child logger from it with one of the With* constructors so that
// a component name or entity id rides along on every log line without being
// repeated at each call site.
package log
