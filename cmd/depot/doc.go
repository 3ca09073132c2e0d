// Command depot serves blobs over HTTP.
//
// POST / with the blob as the request body stores it and responds with its
// identifier as JSON, e.g., {"id":"c572bcd4-f68f-4940-a94c-c6b3587dfcf2"}.
// GET /<id> responds with the blob, with a content type inferred from its
// leading bytes (application/octet-stream if unknown). Identifiers that are not
// UUIDs get 400, unknown identifiers 404, and storage faults 500.
//
// Configuration is read from the file given with -config, for example:
//
//	{
//		address: ":8080"
//		storage: {
//			type: "disk"
//			directory: "$HOME/lib/depot/data"
//		}
//	}
//
// Storage types are "disk", "memory", "bolt" (with bolt_path) and "s3" (with
// region, bucket, and optionally profile, endpoint and path_style). Values may
// refer to environment variables, which can also be set in the file given with
// -env. Metrics are served at /metrics.
package main // import "github.com/nicolagi/depot/cmd/depot"
