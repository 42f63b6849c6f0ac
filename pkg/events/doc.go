// Package events fans out instance and pool lifecycle events to
// in-process subscribers such as the state recorder.
//
// Publish never blocks. The broker keeps a bounded queue and each
// subscriber has its own buffer; events that do not fit are dropped, so
// subscribers must treat the stream as best effort.
package events
