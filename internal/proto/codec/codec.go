// Package codec holds the wire encodings a swarm can agree on for structured messages.
package codec

import "fmt"

// Codec marshals structured messages to payload bytes and back.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Texter is implemented by codecs whose output is valid UTF-8 text.
type Texter interface {
	Text() bool
}

// IsText reports whether c produces payloads a text-frame transport can carry.
func IsText(c Codec) bool {
	t, ok := c.(Texter)
	return ok && t.Text()
}

// Registry maps codec names to codecs.
type Registry struct{ byName map[string]Codec }

// NewRegistry returns a registry preloaded with JSON and CBOR.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSON())
	r.Register(CBOR())
	return r
}

// Register adds c, replacing any codec with the same name.
func (r *Registry) Register(c Codec) { r.byName[c.Name()] = c }

// Lookup returns the codec registered under name.
func (r *Registry) Lookup(name string) (Codec, error) {
	if name == "" {
		return JSON(), nil
	}
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	return c, nil
}

// Lookup resolves name against the default registry.
func Lookup(name string) (Codec, error) {
	return defaultRegistry.Lookup(name)
}

var defaultRegistry = NewRegistry()
