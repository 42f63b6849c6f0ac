// Package dispatcher turns one request into exactly one invocation on an
// acquired instance and classifies how it ended.
package dispatcher
