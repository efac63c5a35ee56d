package services

type contextKey string

// RequestIDKey carries the request correlation id into timeline metadata.
const RequestIDKey contextKey = "request_id"
