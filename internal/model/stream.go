package model

// TokenChunk is one element of a TokenStream. Indices are strictly
// increasing and contiguous from 0..N-1, and exactly one terminal chunk
// (success or error) ends the sequence.
type TokenChunk struct {
	Index    int
	Text     string
	LogProb  *float64
	Terminal bool

	// Err is set only on the terminal error chunk.
	Err error
	// FinishReason is set only on the terminal success chunk.
	FinishReason FinishReason
}

// TokenStream is a finite, lazy, non-restartable sequence of token chunks.
// Concrete producers (StreamProcessor) deliver chunks over the channel and
// close it after the terminal chunk; consumers must drain until closed.
type TokenStream struct {
	Chunks <-chan TokenChunk
	// Cancel requests producer-side cancellation; safe to call multiple times.
	Cancel func()
}
