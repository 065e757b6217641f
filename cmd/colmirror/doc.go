// Command colmirror mirrors the columns of a paginated document site into a
// browsable local HTML archive.
//
// Architecture overview:
//   - Input: collection names are read from the list file (doc.txt by default), one per line. A missing
//     file stops the program before any request is made.
//   - Resolution: each collection listing is fetched once and every ".md" link becomes a page descriptor
//     plus an entry in the collection's name map, which is complete before any page is dispatched.
//   - Mirroring: a fixed pool of workers pulls pages from a bounded in-memory queue. Pages already on disk
//     are skipped without a request; the rest are fetched through the Colly transport, their images saved
//     under assets/, their links rewritten for offline browsing, and written in a single final step.
//   - Politeness: every page fetch waits on a per-host gate that spaces requests by a random delay between
//     crawler.delay_min and crawler.delay_max, optionally capped by a token bucket.
//   - Reporting: progress events feed a human-readable log, Prometheus collectors, and a tally served by
//     the optional status server.
//
// Configuration comes from defaults, an optional colmirror.yaml in the working directory, a .env file, and
// COLMIRROR_* environment variables (for example COLMIRROR_CRAWLER_CONCURRENCY=4 or
// COLMIRROR_SERVER_PORT=8080).
//
// Output layout:
//
//	<root>/static/...
//	<root>/<collection>/<page>.html
//	<root>/<collection>/assets/...
//
// SIGINT or SIGTERM stops dispatching new pages; pages already being fetched finish and are written.
// Rerunning resumes where the previous run stopped.
package main
