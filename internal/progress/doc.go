// Package progress carries run lifecycle events from the pipeline to pluggable
// sinks. Emit never blocks; a background goroutine batches events and fans
// them out, so a slow sink cannot stall ingestion.
package progress
