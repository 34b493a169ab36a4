package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a consumer stops caring about a
// streaming channel before the pipeline closes it (e.g., the Frames or
// Segments outlet during shutdown).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
