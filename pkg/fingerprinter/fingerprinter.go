package fingerprinter

import (
	"context"
	"io"

	"github.com/xaionaro-go/audiomatch/pkg/audio"
	"github.com/xaionaro-go/audiomatch/pkg/fingerprint"
)

// Fingerprinter consumes a raw PCM byte stream in arbitrary chunks and
// emits landmark fingerprints. A single instance is not reentrant.
type Fingerprinter interface {
	io.Closer

	Encoding(context.Context) (audio.Encoding, error)
	Channels(context.Context) (audio.Channel, error)

	// Push feeds the next chunk of the PCM byte stream. Chunk
	// boundaries carry no meaning: the same byte stream produces the
	// same fingerprints however it is sliced. Returns the batches
	// whose anchor frames were finalized by this chunk (possibly
	// none), in nondecreasing anchor time order.
	Push(ctx context.Context, data []byte) ([]fingerprint.Batch, error)

	// Finish signals end-of-stream and returns any batches whose
	// pruning window closed on the remaining buffered samples.
	// No Push is allowed afterwards.
	Finish(ctx context.Context) ([]fingerprint.Batch, error)
}

type Factory interface {
	NewFingerprinter(encoding audio.Encoding, channels audio.Channel) (Fingerprinter, error)
}
