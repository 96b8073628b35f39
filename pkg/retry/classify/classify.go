// Package classify decides whether a failure is worth retrying.
package classify

import (
	"errors"
	"reflect"
)

// Classifier reports whether err is retryable.
type Classifier interface {
	Classify(err error) bool
}

// Func adapts a plain function to Classifier.
type Func func(err error) bool

// Classify implements Classifier.
func (f Func) Classify(err error) bool {
	return f(err)
}

// Default treats every non-nil error as retryable.
func Default() Classifier {
	return Func(func(err error) bool { return err != nil })
}

// Constant returns v for every error.
func Constant(v bool) Classifier {
	return Func(func(error) bool { return v })
}

type rule struct {
	match     func(err error) bool
	retryable bool
}

// Binary classifies errors with an ordered list of rules and falls back to a
// default answer when none matches.
type Binary struct {
	rules    []rule
	traverse bool
	def      bool
}

var _ Classifier = (*Binary)(nil)

// Option configures a Binary classifier.
type Option func(*Binary)

// Retryable marks errors matching target (errors.Is) as retryable.
func Retryable(target error) Option {
	return func(b *Binary) {
		b.rules = append(b.rules, rule{match: is(target), retryable: true})
	}
}

// NotRetryable marks errors matching target (errors.Is) as not retryable.
func NotRetryable(target error) Option {
	return func(b *Binary) {
		b.rules = append(b.rules, rule{match: is(target), retryable: false})
	}
}

// RetryableType marks errors of type T as retryable.
func RetryableType[T error]() Option {
	return func(b *Binary) {
		b.rules = append(b.rules, rule{match: isType[T], retryable: true})
	}
}

// NotRetryableType marks errors of type T as not retryable.
func NotRetryableType[T error]() Option {
	return func(b *Binary) {
		b.rules = append(b.rules, rule{match: isType[T], retryable: false})
	}
}

// Match adds a rule driven by an arbitrary predicate.
func Match(pred func(err error) bool, retryable bool) Option {
	return func(b *Binary) {
		b.rules = append(b.rules, rule{match: pred, retryable: retryable})
	}
}

// TraverseCauses makes the classifier walk the wrapped causes of an error
// until a rule matches. Without it only the outermost error is inspected.
func TraverseCauses() Option {
	return func(b *Binary) {
		b.traverse = true
	}
}

// NewBinary returns a classifier answering def for unmatched errors.
func NewBinary(def bool, opts ...Option) *Binary {
	b := &Binary{def: def}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Classify implements Classifier. A nil error gets the default answer.
func (b *Binary) Classify(err error) bool {
	if err == nil {
		return b.def
	}
	if !b.traverse {
		if v, ok := b.lookup(err); ok {
			return v
		}
		return b.def
	}
	for _, e := range Causes(err) {
		if v, ok := b.lookup(e); ok {
			return v
		}
	}
	return b.def
}

func (b *Binary) lookup(err error) (bool, bool) {
	for _, r := range b.rules {
		if r.match(err) {
			return r.retryable, true
		}
	}
	return false, false
}

// is matches err itself against target without unwrapping.
func is(target error) func(error) bool {
	canEq := target == nil || reflect.TypeOf(target).Comparable()
	return func(err error) bool {
		if canEq && err == target {
			return true
		}
		if x, ok := err.(interface{ Is(error) bool }); ok {
			return x.Is(target)
		}
		return false
	}
}

func isType[T error](err error) bool {
	_, ok := err.(T)
	return ok
}

// Causes returns err followed by every error it wraps, depth first.
// Trees built with errors.Join are flattened in order.
func Causes(err error) []error {
	if err == nil {
		return nil
	}
	var out []error
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		out = append(out, e)
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		default:
			walk(errors.Unwrap(e))
		}
	}
	walk(err)
	return out
}
