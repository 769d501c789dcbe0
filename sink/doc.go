// Package sink provides ready-made log and image sinks: an in-memory
// Recorder, an io.Writer adapter, a zap adapter and a PNG writer.
package sink
