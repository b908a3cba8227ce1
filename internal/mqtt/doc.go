// Package mqtt publishes agent status and runtime stats to an MQTT
// broker so external dashboards can watch the assistant without
// polling its HTTP API.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes a retained "online" birth message to the
// status topic; a will message ensures the topic transitions to
// "offline" on unexpected disconnects. A periodic loop pushes a
// retained JSON stats document (runs, tool calls, tokens, last
// activity) assembled from the event bus and the process itself.
//
// All topics live under a configurable prefix, "tycho" by default.
// Publishing is one-way: the package subscribes to nothing.
package mqtt
