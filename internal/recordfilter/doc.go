// Package recordfilter selects capture records with user-supplied
// expressions.
//
// Expressions use expr-lang syntax and must evaluate to a boolean. Every
// record exposes the same variables regardless of its kind; fields that do
// not apply to a kind hold their zero value.
//
//	kind       string   "filesystem", "image_load", "registry" or "process"
//	action     string   e.g. "fs.write", "process.start"
//	timestamp  string   RFC 3339 with nanoseconds
//	pid        int      acting process (requestor, image owner, registry actor, subject id)
//	ppid       int      parent id for lifecycle records
//	path       string   file path, image path or registry key path
//	value      string   registry value name
//	length     int      filesystem request length
//	thread     bool     lifecycle record for a thread
//	active     bool     lifecycle start (true) or exit (false)
//
// Example:
//
//	kind == "filesystem" && path startsWith "/etc/"
package recordfilter
