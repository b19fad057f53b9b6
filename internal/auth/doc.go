// Package auth provides bearer token authentication for the coven-threads API.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. They carry an issuer of
// "coven-threads", a subject naming the caller, and an expiry:
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("harper", 24*time.Hour)
//
// Middleware guards an http.Handler and stores the verified Identity in the
// request context, where handlers read it with FromContext or Subject.
// When no secret is configured the gateway does not install the middleware
// and every caller is "anonymous".
package auth
