// Package host connects to any number of named MCP servers and presents their tools as one
// catalog.
//
// A Registry owns the sessions, one per server name. Every change to its membership, and every
// tools/list_changed notification, rebuilds the Catalog, which is swapped atomically so readers
// always see a complete view. An Executor resolves a catalog id to its session and calls the
// tool, normalizing the result into an Outcome. While a call is outstanding the server may ask
// the host for a model completion or for user input; those requests, along with progress and
// log notifications, are dispatched by a Router shared by all sessions.
package host
