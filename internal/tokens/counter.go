// Package tokens counts tokens in distillation datasets with tiktoken.
package tokens

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts cl100k_base tokens. The codec is loaded once on first use.
type Counter struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewCounter returns a lazily initialized Counter.
func NewCounter() *Counter {
	return &Counter{}
}

func (c *Counter) load() (tokenizer.Codec, error) {
	c.once.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			c.err = fmt.Errorf("failed to get tokenizer encoding: %w", err)
			return
		}
		c.codec = codec
	})
	return c.codec, c.err
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	codec, err := c.load()
	if err != nil {
		return 0, err
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("encoding text: %w", err)
	}
	return len(ids), nil
}

// CountAll sums token counts over texts. When the codec cannot be loaded it
// falls back to a chars/4 estimate so callers always get a usable size.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		n, err := c.Count(t)
		if err != nil {
			n = (len(t) + 3) / 4
		}
		total += n
	}
	return total
}
