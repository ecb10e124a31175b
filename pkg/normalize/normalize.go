package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/icified/icebot/pkg/bus"
)

var (
	// ErrMalformedPayload means the raw bytes could not be parsed into
	// the source's expected shape.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupportedSource means no normalizer is registered for the
	// request's source tag.
	ErrUnsupportedSource = errors.New("unsupported source")
	// ErrPayloadTooLarge means the payload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// UnhandledCommand marks a parseable provider update the bot has no
// feature for. Nothing registers a handler for it, so these events are
// acked, deduplicated, and dropped at the router.
const UnhandledCommand = "/unhandled"

// Normalizer converts one provider's raw webhook payload into a
// canonical command. Implementations are pure transforms.
type Normalizer interface {
	Source() string
	Normalize(raw []byte) (bus.Command, error)
}

// Registry maps source tags to normalizers. It is populated before the
// listener starts and read-only afterwards.
type Registry struct {
	maxPayloadBytes int64
	bySource        map[string]Normalizer
}

func NewRegistry(maxPayloadBytes int64) *Registry {
	return &Registry{
		maxPayloadBytes: maxPayloadBytes,
		bySource:        make(map[string]Normalizer),
	}
}

func (r *Registry) Register(n Normalizer) {
	r.bySource[n.Source()] = n
}

func (r *Registry) MaxPayloadBytes() int64 {
	return r.maxPayloadBytes
}

// Normalize validates size and source, then delegates to the matching
// normalizer.
func (r *Registry) Normalize(source string, raw []byte) (bus.Command, error) {
	if r.maxPayloadBytes > 0 && int64(len(raw)) > r.maxPayloadBytes {
		return bus.Command{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(raw))
	}
	n, ok := r.bySource[source]
	if !ok {
		return bus.Command{}, fmt.Errorf("%w: %q", ErrUnsupportedSource, source)
	}
	return n.Normalize(raw)
}

// splitCommand derives a command name and args from message text.
// Text not led by a slash command maps to the catch-all "/message".
func splitCommand(text string) (string, []string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "/message", fields
	}
	return fields[0], fields[1:]
}
