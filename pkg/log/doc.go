/*
Package log provides structured logging for scoutd using zerolog.

A single package-level Logger is initialized once via Init and shared by
every subsystem. Component loggers (WithComponent, WithRid, WithTransSeq)
attach context fields without threading a logger through every call.
*/
package log
