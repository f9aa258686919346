// Package http provides the GET transport used by the download manager.
//
// This package handles:
//   - Connection pooling with HTTP/2 where the origin supports it
//   - Mapping of non-success status codes to sentinel errors
//   - Reporting the declared Content-Length (-1 when absent)
//
// # Usage
//
//	client := http.NewClient(http.Options{
//	    Timeout:   0, // bodies are streamed; rely on ctx for cancellation
//	    UserAgent: "bookfetch/dev",
//	})
//
//	body, length, err := client.Get(ctx, url)
//	defer body.Close()
package http
