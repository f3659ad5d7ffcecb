// Package bot is the Telegram frontend: it consumes platform updates,
// admits turns through the rate limiter, and relays replies by progressively
// editing a placeholder message.
package bot
