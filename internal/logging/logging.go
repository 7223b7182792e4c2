// Package logging constructs per-component loggers, following narwhal.go's
// convention of a bracketed prefix plus log.LstdFlags on os.Stdout rather
// than a structured logging library -- the teacher lineage never adopted
// one, and none of the examples pack's dependencies cover it either.
package logging

import (
	"log"
	"os"
)

// New returns a logger prefixed with "[component] ", matching narwhal.go's
// "[dispatcher] "/"[runner] " convention.
func New(component string) *log.Logger {
	return log.New(os.Stdout, "["+component+"] ", log.LstdFlags)
}
