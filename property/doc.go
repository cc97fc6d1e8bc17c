// Package property provides the reactive configuration primitives the
// receiver is built on: observable values, flat layers of them, priority
// stacks of layers, and a rotating carousel of profile layers.
//
// A Property is a single observable value with ordered change subscribers and
// an optional validator. A Layer is a flat, bulk-replaceable key->Property
// mapping. A Stack resolves lookups through layers by descending priority, so
// a session's live overrides shadow its profile, which shadows hardware
// defaults. A Carousel holds named profile layers with one active at a time.
//
// Subscribers are invoked synchronously in registration order. The subscriber
// list is copied before dispatch, so a callback may wire or unwire without
// corrupting the iteration it is part of. A write from inside a callback is
// allowed up to a bounded depth; past it Set returns ErrSubscriberCycle and
// stops recursing. Callers must not hold their own locks across Set, since a
// single write can fan out into arbitrary downstream reconfiguration before
// returning.
package property
