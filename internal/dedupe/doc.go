// Package dedupe tracks recently seen upstream message ids so the
// router can drop redeliveries after a bridge reconnect.
package dedupe
