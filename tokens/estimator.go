// Package tokens estimates how many model tokens a piece of text costs.
package tokens

import (
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator returns the number of tokens text would consume. Implementations
// must be safe for concurrent use and return a value >= 0.
type Estimator interface {
	Estimate(text string) (int, error)
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(string) (int, error)

func (f EstimatorFunc) Estimate(text string) (int, error) {
	return f(text)
}

// Tiktoken counts tokens with the cl100k_base encoding. It is a reasonable
// approximation for most chat models even when they use another tokenizer.
type Tiktoken struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

func NewTiktoken() *Tiktoken {
	return &Tiktoken{}
}

func (t *Tiktoken) Estimate(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	t.once.Do(func() {
		t.codec, t.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if t.err != nil {
		return 0, t.err
	}

	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Approximate estimates one token per four bytes, rounding up, with a floor of
// one token per rune for scripts where a rune is several bytes.
type Approximate struct{}

func (Approximate) Estimate(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	byBytes := (len(text) + 3) / 4
	byRunes := utf8.RuneCountInString(text) / 2
	return max(byBytes, byRunes, 1), nil
}

// Fallback tries Primary and uses Secondary when Primary fails.
type Fallback struct {
	Primary   Estimator
	Secondary Estimator
}

func (f Fallback) Estimate(text string) (int, error) {
	n, err := f.Primary.Estimate(text)
	if err == nil {
		return n, nil
	}
	return f.Secondary.Estimate(text)
}

// Default returns the estimator used when none is configured: tiktoken with the
// byte based approximation as a safety net.
func Default() Estimator {
	return Fallback{Primary: NewTiktoken(), Secondary: Approximate{}}
}
