// Package events defines the events emitted on the dispatch event bus.
//
// Every cascade step publishes a DispatchEvent. Subscribers include the
// dispatch journal and the AMQP forwarder.
package events
