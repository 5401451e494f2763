// Package notifier delivers operator notifications.
//
// A notification has a level, a message and an optional URL. Every
// notification is logged, kept in a small in-memory history (served by the
// admin API) and published on the event bus. When enabled with a sender and
// owner chats, it is also queued and delivered to each owner with rate
// limiting and retry.
package notifier
