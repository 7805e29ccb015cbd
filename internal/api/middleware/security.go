package middleware

import "net/http"

// SecurityHeaders sets HTTP security headers on every response. The server
// is a JSON API plus static attachment files, so the policy locks the
// browser surface down: nothing may frame us, nothing may sniff types, and
// attachments render without running scripts.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()

		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// default-src 'none' keeps uploaded HTML or SVG inert if a browser
		// ever opens it directly from /uploads.
		h.Set("Content-Security-Policy",
			"default-src 'none'; img-src 'self' data:; media-src 'self'; frame-ancestors 'none'")

		next.ServeHTTP(w, r)
	})
}
