// Package crawler defines the core domain of sitestitch: the page record and
// crawl configuration types, the narrow interfaces connecting the crawl
// engines, the capture handler, the record stores and the consolidation
// writer, plus the pattern matching used for link-following and filename
// derivation.
package crawler
