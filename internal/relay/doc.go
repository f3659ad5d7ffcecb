// Package relay wires the ember-relay components together and manages the
// process lifecycle: store, agent client, Telegram bot, and the HTTP server
// for health checks and webhook delivery.
package relay
