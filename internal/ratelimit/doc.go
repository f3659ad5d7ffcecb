// Package ratelimit bounds how often a single user may start a new
// conversation turn, using a fixed-window counter per user.
package ratelimit
