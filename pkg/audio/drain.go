package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a platform's input channel from filling up when a
// participant stream is not being mirrored anywhere.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
