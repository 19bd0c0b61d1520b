// Package middleware provides the gin middleware in front of the termhub
// API.
//
//   - CORS: cross-origin resource sharing with configurable origins, plus
//     the matching origin check for websocket upgrades
//   - RateLimit: per-IP token bucket; idle clients are forgotten
//   - GlobalRateLimit: one token bucket for every client
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
