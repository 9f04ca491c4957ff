// Package spiders holds the built-in spider implementations and the default
// registry the worker resolves project entry files against.
package spiders

import "github.com/seopages/spiderworker/internal/spider"

var defaultRegistry = spider.NewRegistry()

// Default returns the process-wide registry of built-in spiders.
func Default() *spider.Registry {
	return defaultRegistry
}
