// Package router is the heart of the gateway: the single consumer of
// upstream messages. For each message it filters candidate agents
// (skip-sender, receive mode, trust and loop guard), picks a transport
// by preference (socket, stream, local inject, webhook), and
// materializes unread context for mention deliveries.
package router
