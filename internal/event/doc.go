// Package event provides the in-process publish/subscribe bus the adapter
// factory uses to announce lifecycle changes and to receive requests.
//
// Payloads form a closed set of struct types implementing Event; consumers
// switch on the concrete type. Subscriptions are revocable: Subscribe returns
// an id that Unsubscribe accepts.
package event
